// conf/utils.go various util functions for configuration package
package conf

import (
	"net/url"
	"os"
	"path/filepath"
	"runtime"

	"github.com/easwatch/easwatch/internal/errors"
)

// OS name constants for runtime.GOOS comparisons.
const (
	osWindows = "windows"
)

// GetDefaultConfigPaths returns the default configuration paths for the
// current operating system. If a config.yaml is found in any of them, only
// that path is returned.
func GetDefaultConfigPaths() ([]string, error) {
	var configPaths []string

	exePath, err := os.Executable()
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategorySystem).
			Context("operation", "get-executable-path").
			Build()
	}
	exeDir := filepath.Dir(exePath)

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategorySystem).
			Context("operation", "get-home-directory").
			Build()
	}

	switch runtime.GOOS {
	case osWindows:
		configPaths = []string{
			exeDir,
			filepath.Join(homeDir, "AppData", "Roaming", "easwatch"),
		}
	default:
		configPaths = []string{
			filepath.Join(homeDir, ".config", "easwatch"),
			"/etc/easwatch",
		}
	}

	for _, path := range configPaths {
		configFile := filepath.Join(path, "config.yaml")
		if _, err := os.Stat(configFile); err == nil {
			return []string{path}, nil
		}
	}

	return configPaths, nil
}

// RedactURL strips userinfo from a URL so stream addresses can appear
// in logs and the status API without leaking credentials. Anything that
// does not parse as a URL is returned unchanged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}

// FindConfigFile returns the path of the config file currently in use.
func FindConfigFile() (string, error) {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return "", err
	}

	for _, path := range configPaths {
		configFile := filepath.Join(path, "config.yaml")
		if _, err := os.Stat(configFile); err == nil {
			return configFile, nil
		}
	}

	return "", errors.Newf("no config file found in %v", configPaths).
		Category(errors.CategoryConfiguration).
		Context("operation", "find-config-file").
		Build()
}
