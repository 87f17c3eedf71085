package config

import (
	_ "embed"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"sigs.k8s.io/yaml"
)

//go:embed default/config.yaml
var defaultConfigData []byte

const (
	ConfigurationName = "config.yaml"
	DefaultDirName    = ".tsh"
)

const (
	InteractiveAuto   = "auto"
	InteractiveAlways = "always"
	InteractiveNever  = "never"
)

// ErrNoConfigDir is returned for files that live in the configuration
// directory when the configuration wasn't loaded from one.
var ErrNoConfigDir = errors.New("configuration has no directory, did you run init?")

type Configuration struct {
	configFs         afero.Fs
	configurationDir string

	Prompt          string `json:"prompt" validate:"required"`
	Color           bool   `json:"color"`
	InteractiveMode string `json:"interactive" validate:"oneof=auto always never"`
	HistoryFile     string `json:"history_file"`
	HistoryLimit    int    `json:"history_limit" validate:"gte=0"`
	EventLog        string `json:"event_log"`
}

// Validate the configuration for basic semantic errors.
func (c *Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		return name
	})

	return validate.Struct(c)
}

func (c *Configuration) fs() (afero.Fs, error) {
	if c.configFs == nil {
		return nil, ErrNoConfigDir
	}
	return c.configFs, nil
}

// Dir returns the directory the configuration was loaded from, empty for the
// built-in default.
func (c *Configuration) Dir() string {
	return c.configurationDir
}

// UseJobControl decides whether the shell runs interactively given whether
// its input is a terminal.
func (c *Configuration) UseJobControl(isTerminal bool) bool {
	switch c.InteractiveMode {
	case InteractiveAlways:
		return true
	case InteractiveNever:
		return false
	default:
		return isTerminal
	}
}

// HistoryPath returns the absolute path of the history file or an empty
// string if history shouldn't be persisted.
func (c *Configuration) HistoryPath() string {
	switch {
	case c.HistoryFile == "":
		return ""
	case filepath.IsAbs(c.HistoryFile):
		return c.HistoryFile
	case c.configurationDir == "":
		return ""
	default:
		return filepath.Join(c.configurationDir, c.HistoryFile)
	}
}

// OpenEventLog opens the event log in an append only state.
func (c *Configuration) OpenEventLog() (afero.File, error) {
	fs, err := c.fs()
	if err != nil {
		return nil, err
	}
	if c.EventLog == "" {
		return nil, os.ErrNotExist
	}
	return fs.OpenFile(c.EventLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}

// ReadEventLog opens the event log for reading.
func (c *Configuration) ReadEventLog() (afero.File, error) {
	fs, err := c.fs()
	if err != nil {
		return nil, err
	}
	if c.EventLog == "" {
		return nil, os.ErrNotExist
	}
	return fs.OpenFile(c.EventLog, os.O_RDONLY, 0600)
}

// Default returns the built-in configuration, which isn't backed by a
// directory.
func Default() *Configuration {
	var out Configuration
	if err := yaml.UnmarshalStrict(defaultConfigData, &out); err != nil {
		panic(err)
	}
	return &out
}
