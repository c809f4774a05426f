// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveFFprobeBin picks the probe binary: an explicit setting wins, then an
// ffprobe sitting next to an absolute ffmpeg path. It returns "" when neither
// applies and the caller falls back to PATH lookup.
func ResolveFFprobeBin(ffprobeBin, ffmpegBin string) string {
	return resolveFFprobeBin(ffprobeBin, ffmpegBin, os.Stat)
}

func resolveFFprobeBin(ffprobeBin, ffmpegBin string, stat func(string) (os.FileInfo, error)) string {
	if p := strings.TrimSpace(ffprobeBin); p != "" {
		return p
	}
	ffmpegBin = strings.TrimSpace(ffmpegBin)
	if !strings.ContainsRune(ffmpegBin, filepath.Separator) || filepath.Base(ffmpegBin) != "ffmpeg" {
		return ""
	}
	sibling := filepath.Join(filepath.Dir(ffmpegBin), "ffprobe")
	if fi, err := stat(sibling); err == nil && !fi.IsDir() {
		return sibling
	}
	return ""
}
