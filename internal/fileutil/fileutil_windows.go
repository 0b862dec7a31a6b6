//go:build windows

package fileutil

import (
	"path/filepath"
	"strings"
)

func sameDevice(a, b string) bool {
	va := filepath.VolumeName(a)
	vb := filepath.VolumeName(b)
	if va == "" || vb == "" {
		return false
	}
	return strings.EqualFold(va, vb)
}
