package mbf

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// ModelInfoVersion is the on-disk version of the model info section payload.
const ModelInfoVersion uint32 = 1

// ModelInfo summarises the converted checkpoint for downstream loaders that
// do not want to parse the embedded config.json. The section payload is JSON;
// unlike tensor data it is tiny and read once.
type ModelInfo struct {
	ModelID   string `json:"model_id,omitempty"`
	ModelName string `json:"model_name"`
	Arch      string `json:"arch,omitempty"`

	VocabSize     uint32 `json:"vocab_size,omitempty"`
	HiddenSize    uint32 `json:"hidden_size,omitempty"`
	LayerCount    uint32 `json:"layer_count,omitempty"`
	HeadCount     uint32 `json:"head_count,omitempty"`
	HeadCountKV   uint32 `json:"head_count_kv,omitempty"`
	ContextLength uint32 `json:"context_length,omitempty"`

	// SourcePrecision records the dtype mix of the source checkpoint;
	// Precision records what the tensors were cast to ("keep" preserves
	// the source dtypes).
	Precision string `json:"precision,omitempty"`

	TensorCount uint32 `json:"tensor_count,omitempty"`
}

func EncodeModelInfo(mi *ModelInfo) ([]byte, error) {
	if mi == nil {
		return nil, fmt.Errorf("mbf: nil model info")
	}
	if mi.ModelName == "" {
		return nil, fmt.Errorf("mbf: model info requires a model name")
	}
	return json.Marshal(mi)
}

func ParseModelInfo(sec []byte) (*ModelInfo, error) {
	if len(sec) == 0 {
		return nil, ErrCorruptFile
	}
	var mi ModelInfo
	if err := json.Unmarshal(sec, &mi); err != nil {
		return nil, fmt.Errorf("%w: model info: %v", ErrCorruptFile, err)
	}
	return &mi, nil
}

// ModelInfoFromHFConfig populates a ModelInfo from an upstream config.json.
// Missing fields stay zero; the caller fills in identity and precision.
func ModelInfoFromHFConfig(configJSON []byte, name string) *ModelInfo {
	mi := &ModelInfo{ModelName: name}
	if len(configJSON) == 0 {
		return mi
	}

	var m map[string]any
	if err := json.Unmarshal(configJSON, &m); err != nil {
		return mi
	}

	if mt, ok := m["model_type"].(string); ok {
		mi.Arch = normalizeArch(mt)
	}
	mi.VocabSize = readU32(m, "vocab_size")
	mi.HiddenSize = readU32(m, "hidden_size")
	mi.LayerCount = readU32(m, "num_hidden_layers")
	mi.HeadCount = readU32(m, "num_attention_heads")
	mi.HeadCountKV = readU32(m, "num_key_value_heads")
	mi.ContextLength = readU32(m, "max_position_embeddings")
	return mi
}

func normalizeArch(modelType string) string {
	mt := strings.ToLower(strings.TrimSpace(modelType))
	switch {
	case strings.Contains(mt, "lfm2"):
		return "lfm2"
	case strings.Contains(mt, "llama"):
		return "llama"
	case strings.Contains(mt, "mistral"):
		return "mistral"
	case strings.Contains(mt, "qwen"):
		return "qwen"
	case strings.Contains(mt, "gemma"):
		return "gemma"
	default:
		return mt
	}
}

func readU32(m map[string]any, key string) uint32 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	f, ok := v.(float64)
	if !ok || f < 0 || f > float64(^uint32(0)) {
		return 0
	}
	return uint32(f)
}
