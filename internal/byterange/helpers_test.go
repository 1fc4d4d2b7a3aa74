package byterange

import (
	"strconv"
	"testing"
)

func itoa(v int) string {
	return strconv.Itoa(v)
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	v, err := strconv.Atoi(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}
