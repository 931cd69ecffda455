// Package statepaths resolves the on-disk locations configured through viper.
package statepaths

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const defaultStateDir = "~/.relaymirror"

// StateDir is the directory holding config.json, mappings.json and
// requests.json. A leading "~" expands to the user's home directory.
func StateDir() string {
	return ResolveDir(viper.GetString("state_dir"))
}

func ResolveDir(raw string) string {
	dir := strings.TrimSpace(raw)
	if dir == "" {
		dir = defaultStateDir
	}
	return filepath.Clean(ExpandHomePath(dir))
}

func ExpandHomePath(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return p
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, p[2:])
}

// SessionPath is the MTProto session file. It holds the account
// authorization, so it lives next to the state with the same permissions.
func SessionPath() string {
	return filepath.Join(StateDir(), "telegram.session")
}
