package main

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

// Config holds defaults for the global flags, read from $HOME/.fat32ctl.yml.
type Config struct {
	Image        string `yaml:"image"`
	Partition    string `yaml:"partition"`
	CacheSectors int    `yaml:"cache_sectors"`
	Verbose      bool   `yaml:"verbose"`
}

func defaultConfigPath() string {
	return filepath.Join(os.Getenv("HOME"), ".fat32ctl.yml")
}

// readConfig loads path into cfg. A missing file is not an error.
func readConfig(path string, cfg *Config) error {
	b, err := afero.ReadFile(hostFs, path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.Wrapf(err, "read config %q", path)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return errors.Wrapf(err, "parse config %q", path)
	}
	return nil
}
