package sqlite

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func formatKeyID(id uint64) string {
	return fmt.Sprintf("%016x", id)
}

func parseKeyID(v string) (uint64, error) {
	return strconv.ParseUint(v, 16, 64)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
