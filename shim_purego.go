//go:build linux || darwin

package capture

import (
	"os"
	"path/filepath"
	"unsafe"
)

// findShimLibrary searches for a native capture shim in common
// locations. CAPTURE_SDK_LIB_PATH takes precedence.
func findShimLibrary(libName string) string {
	searchPaths := []string{
		os.Getenv("CAPTURE_SDK_LIB_PATH"),
	}
	if exe, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Dir(exe))
	}
	searchPaths = append(searchPaths,
		"build",
		"build/shim",
		"../build",
		"../build/shim",
		"/usr/local/lib",
		"/usr/lib",
		"/opt/homebrew/lib",
	)
	for _, p := range searchPaths {
		if p == "" {
			continue
		}
		candidate := filepath.Join(p, libName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// goStringFromPtr converts a C string pointer to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for {
		if *(*byte)(unsafe.Pointer(uintptr(p) + uintptr(length))) == 0 {
			break
		}
		length++
		if length > 1024 { // Safety limit
			break
		}
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), length))
}
