package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
)

func init() {
	MustRegister(Format{
		Name:        "mlc",
		Description: "MLC/WebLLM weights described by ndarray-cache.json",
		Companions: []string{
			"mlc-chat-config.json",
			"tokenizer.json",
			"tokenizer.model",
			"tokenizer_config.json",
			"ndarray-cache.json",
		},
		Index:      "ndarray-cache.json",
		ParseIndex: parseNDArrayCache,
	})
	MustRegister(Format{
		Name:        "safetensors",
		Description: "sharded safetensors checkpoints with model.safetensors.index.json",
		Companions: []string{
			"config.json",
			"tokenizer.json",
			"tokenizer_config.json",
			"generation_config.json",
			"model.safetensors.index.json",
		},
		Index:      "model.safetensors.index.json",
		ParseIndex: parseSafetensorsIndex,
	})
	MustRegister(Format{
		Name:        "gguf",
		Description: "single-file GGUF models; tokenizer files only",
		Companions: []string{
			"tokenizer.json",
			"merges.txt",
			"vocab.json",
		},
	})
}

// ndarray-cache.json: {"records": [{"dataPath": "params_shard_0.bin", ...}]}
func parseNDArrayCache(data []byte) ([]string, error) {
	var doc struct {
		Records []struct {
			DataPath string `json:"dataPath"`
		} `json:"records"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode ndarray cache: %w", err)
	}
	paths := make([]string, 0, len(doc.Records))
	for _, record := range doc.Records {
		if record.DataPath != "" {
			paths = append(paths, record.DataPath)
		}
	}
	return paths, nil
}

// model.safetensors.index.json: {"weight_map": {"tensor": "model-00001-of-00002.safetensors"}}
func parseSafetensorsIndex(data []byte) ([]string, error) {
	var doc struct {
		WeightMap map[string]string `json:"weight_map"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode safetensors index: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.WeightMap))
	paths := make([]string, 0)
	for _, file := range doc.WeightMap {
		if file == "" {
			continue
		}
		if _, ok := seen[file]; ok {
			continue
		}
		seen[file] = struct{}{}
		paths = append(paths, file)
	}
	sort.Strings(paths)
	return paths, nil
}
