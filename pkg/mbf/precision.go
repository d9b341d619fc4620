package mbf

import (
	"fmt"
	"strings"
)

// Precision selects the target dtype for float tensors during conversion.
// Non-float tensors always pass through unchanged.
type Precision string

const (
	// PrecisionKeep preserves each tensor's source dtype.
	PrecisionKeep Precision = "keep"
	// PrecisionF16 casts float tensors to IEEE binary16.
	PrecisionF16 Precision = "f16"
	// PrecisionBF16 casts float tensors to bfloat16.
	PrecisionBF16 Precision = "bf16"
)

// ParsePrecision parses a user-supplied precision name.
func ParsePrecision(s string) (Precision, error) {
	switch Precision(strings.ToLower(strings.TrimSpace(s))) {
	case PrecisionKeep, "":
		return PrecisionKeep, nil
	case PrecisionF16, "fp16", "float16", "half":
		return PrecisionF16, nil
	case PrecisionBF16, "bfloat16":
		return PrecisionBF16, nil
	default:
		return "", fmt.Errorf("mbf: unknown precision %q (expected keep, f16 or bf16)", s)
	}
}

func (p Precision) String() string { return string(p) }

// targetDType maps a source dtype to the dtype stored in the output file.
// Only the three float formats participate in casting; f64 and integer
// tensors keep their source encoding.
func (p Precision) targetDType(src TensorDType) TensorDType {
	if p == PrecisionKeep {
		return src
	}
	switch src {
	case DTypeF32, DTypeF16, DTypeBF16:
		switch p {
		case PrecisionF16:
			return DTypeF16
		case PrecisionBF16:
			return DTypeBF16
		}
	}
	return src
}
