package file

import (
	"path/filepath"
	"strings"
)

// ReplaceExt swaps the last extension of path for ext ("map.png", "bottlenecks.md"
// -> "map.bottlenecks.md"). Dot files and extensionless names get ext appended.
func ReplaceExt(path, ext string) string {
	if path == "" {
		return path
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	dir, filename := filepath.Split(path)
	if lastDot := strings.LastIndex(filename, "."); lastDot > 0 {
		filename = filename[:lastDot]
	}
	return filepath.Join(dir, filename+ext)
}
