package main

import (
	"os"
	"path/filepath"
	"runtime"
)

// runtimeLibraryCandidates lists where the ONNX Runtime shared library is
// usually installed for this platform.
func runtimeLibraryCandidates() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{filepath.Join("lib", "onnxruntime.dll"), "onnxruntime.dll"}
	case "darwin":
		libName := "libonnxruntime.dylib"
		return []string{
			filepath.Join("lib", libName),
			filepath.Join("/opt/homebrew/lib", libName),
			filepath.Join("/usr/local/lib", libName),
		}
	default:
		libName := "libonnxruntime.so"
		dirs := []string{"lib", "/usr/local/lib", "/usr/lib"}
		if runtime.GOARCH == "arm64" {
			dirs = append(dirs, "/usr/lib/aarch64-linux-gnu")
		} else {
			dirs = append(dirs, "/usr/lib/x86_64-linux-gnu")
		}
		paths := make([]string, 0, len(dirs))
		for _, d := range dirs {
			paths = append(paths, filepath.Join(d, libName))
		}
		return paths
	}
}

// resolveRuntimeLibrary returns the configured library path, or the first
// installed candidate. An empty result leaves the choice to onnxruntime_go.
func resolveRuntimeLibrary(configured string, candidates []string) string {
	if configured != "" {
		return configured
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			if abs, err := filepath.Abs(p); err == nil {
				return abs
			}
			return p
		}
	}
	return ""
}
