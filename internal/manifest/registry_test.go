package manifest

import "testing"

func replaceRegistry(t *testing.T) func() {
	t.Helper()
	prev := globalRegistry
	globalRegistry = newRegistry()
	return func() { globalRegistry = prev }
}

func TestBuiltinFormatsRegistered(t *testing.T) {
	names := Names()
	want := []string{"gguf", "mlc", "safetensors"}
	if len(names) != len(want) {
		t.Fatalf("unexpected formats: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected formats: %v", names)
		}
	}
}

func TestRegisterRejectsDuplicatesAndBadIndex(t *testing.T) {
	cleanup := replaceRegistry(t)
	defer cleanup()

	if err := Register(Format{Name: "onnx"}); err != nil {
		t.Fatalf("register onnx failed: %v", err)
	}
	if err := Register(Format{Name: "ONNX"}); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if err := Register(Format{Name: "broken", Index: "index.json"}); err == nil {
		t.Fatalf("expected index without parser to fail")
	}
	if err := Register(Format{Name: "  "}); err == nil {
		t.Fatalf("expected empty name to fail")
	}
	if _, ok := Resolve("Onnx"); !ok {
		t.Fatalf("resolve should be case-insensitive")
	}
}
