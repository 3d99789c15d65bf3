package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// DataDir returns the base recoveryd directory.
//
// RECOVERYD_DATA_DIR overrides it. Otherwise:
//   - root on Linux: /var/lib/recoveryd
//   - Linux:         $XDG_DATA_HOME/recoveryd or ~/.local/share/recoveryd
//   - macOS:         ~/Library/Application Support/recoveryd
//   - Windows:       %APPDATA%\recoveryd
func DataDir() string {
	if envDir := os.Getenv("RECOVERYD_DATA_DIR"); envDir != "" {
		return envDir
	}
	switch runtime.GOOS {
	case "linux":
		if os.Geteuid() == 0 {
			return "/var/lib/recoveryd"
		}
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "recoveryd")
		}
		return filepath.Join(homeDir(), ".local", "share", "recoveryd")
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "recoveryd")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "recoveryd")
		}
	}
	return filepath.Join(homeDir(), ".recoveryd")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return home
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the working directory, /etc/recoveryd and the
// data directory for config.<ext>. It returns "" when nothing is found.
func FindConfigFile() string {
	searchDirs := []string{".", "/etc/recoveryd", DataDir()}
	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
