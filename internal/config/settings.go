package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source tells where a setting came from.
type Source string

const (
	SourceEnv      Source = "env"
	SourceSettings Source = "local_settings"
	SourceDefault  Source = "default"
)

// localSettings mirrors the Azure Functions local.settings.json layout. JSON
// is a subset of YAML, so the yaml decoder reads both spellings.
type localSettings struct {
	IsEncrypted bool              `yaml:"IsEncrypted"`
	Values      map[string]string `yaml:"Values"`
}

// Settings resolves names against the environment first and the local
// settings file second.
type Settings struct {
	env  func(string) (string, bool)
	file map[string]string
	path string
}

// LoadSettings reads path if it exists. A missing file is not an error.
func LoadSettings(path string) (Settings, error) {
	s := Settings{env: os.LookupEnv, file: map[string]string{}, path: path}
	if strings.TrimSpace(path) == "" {
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read %s: %w", path, err)
	}

	var doc localSettings
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return s, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.IsEncrypted {
		return s, fmt.Errorf("%s: encrypted settings are not supported", path)
	}
	for k, v := range doc.Values {
		s.file[k] = strings.TrimSpace(v)
	}
	return s, nil
}

// Lookup returns the trimmed value for name and its source. An empty value
// with SourceDefault means the name is unset everywhere.
func (s Settings) Lookup(name string) (string, Source) {
	if s.env != nil {
		if v, ok := s.env(name); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v, SourceEnv
			}
		}
	}
	if v := s.file[name]; v != "" {
		return v, SourceSettings
	}
	return "", SourceDefault
}

func (s Settings) Path() string { return s.path }
