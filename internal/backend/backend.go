// Package backend resolves the compute device an export targets.
package backend

import (
	"fmt"
	"strings"
)

const (
	CPU  = "cpu"
	CUDA = "cuda"
	Auto = "auto"
)

// Normalize validates a user-supplied device name. An empty name means Auto.
func Normalize(name string) (string, error) {
	device := strings.ToLower(strings.TrimSpace(name))
	if device == "" {
		return Auto, nil
	}
	switch device {
	case CPU, CUDA, Auto:
		return device, nil
	default:
		return "", fmt.Errorf("unknown device %q (expected auto, cpu, or cuda)", device)
	}
}

// Resolve maps a normalized device name to a concrete one. Auto prefers CUDA
// when the build supports it, otherwise CPU. Asking for CUDA on a build
// without it is an error rather than a silent fallback.
func Resolve(name string) (string, error) {
	device, err := Normalize(name)
	if err != nil {
		return "", err
	}
	switch device {
	case Auto:
		if Has(CUDA) {
			return CUDA, nil
		}
		return CPU, nil
	case CUDA:
		if !Has(CUDA) {
			return "", fmt.Errorf("cuda requested but unavailable (available: %s)", Available())
		}
		return CUDA, nil
	default:
		return CPU, nil
	}
}

// Available returns a comma-separated list of usable devices.
func Available() string {
	entries := []string{CPU}
	if Has(CUDA) {
		entries = append(entries, CUDA)
	}
	return strings.Join(entries, ",")
}
