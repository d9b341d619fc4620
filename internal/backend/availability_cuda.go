//go:build cuda

package backend

func Has(name string) bool {
	switch name {
	case CUDA, CPU:
		return true
	default:
		return false
	}
}
