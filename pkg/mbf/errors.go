package mbf

import "errors"

var (
	ErrInvalidMagic     = errors.New("invalid MBF magic")
	ErrUnsupportedMajor = errors.New("unsupported MBF major version")
	ErrCorruptFile      = errors.New("corrupt MBF file")
)
