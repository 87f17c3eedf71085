package config

import (
	"log"
	"os"
	"path/filepath"
)

// DefaultDir returns the configuration directory used when none is given.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

// Initialize writes the default configuration to dir unless one already
// exists, then loads it.
func Initialize(dir string, logger *log.Logger) (*Configuration, error) {
	logger.Printf("Initializing configuration in %q\n", dir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	configPath := filepath.Join(dir, ConfigurationName)
	switch _, err := os.Stat(configPath); {
	case err == nil:
		logger.Printf("- %s already exists, skipping\n", ConfigurationName)
	case os.IsNotExist(err):
		logger.Printf("- Writing %s\n", ConfigurationName)
		if err := os.WriteFile(configPath, defaultConfigData, 0600); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	return Load(dir)
}
