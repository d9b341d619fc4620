package main

import (
	"os"
	"path/filepath"
	"strings"
)

const envModelforgeOutDir = "MODELFORGE_OUT_DIR"

// resolveOutputDir picks the export destination. An explicit flag wins, then
// the MODELFORGE_OUT_DIR base, then ./models; without a flag the directory is
// named after the checkpoint.
func resolveOutputDir(dirFlag, modelID string) string {
	dirFlag = strings.TrimSpace(dirFlag)
	if dirFlag != "" {
		return filepath.Clean(dirFlag)
	}

	base := strings.TrimSpace(os.Getenv(envModelforgeOutDir))
	if base == "" {
		base = filepath.Join(".", "models")
	}
	return filepath.Join(base, bundleDirName(modelID))
}

// bundleDirName derives a directory name from a repository id, e.g.
// "LiquidAI/LFM2-350M" becomes "lfm2-350m-mbf".
func bundleDirName(modelID string) string {
	name := modelID
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "model"
	}
	return name + "-mbf"
}
