package config

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandUser replaces a leading "~" with the user's home directory.
// Paths such as "~user/x" are returned unchanged.
func ExpandUser(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
