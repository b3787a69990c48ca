// Copyright 2016 The Sandpass Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"zombiezen.com/go/keepdb/pkg/engine"
	"zombiezen.com/go/keepdb/pkg/pwgen"
)

const configEnv = "KEEPDB_CONFIG"

// config is the contents of the configuration file.  Command-line flags
// override it.
type config struct {
	Database  string `yaml:"database"`
	KeyFile   string `yaml:"key_file"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	RememberKeys bool          `yaml:"remember_keys"`
	RememberTTL  time.Duration `yaml:"remember_ttl"`

	Pwgen pwgenConfig `yaml:"pwgen"`
}

type pwgenConfig struct {
	Length   int    `yaml:"length"`
	Words    int    `yaml:"words"`
	WordList string `yaml:"word_list"`
	Symbols  bool   `yaml:"symbols"`
}

func defaultConfig() *config {
	return &config{
		LogLevel:    "warn",
		LogFormat:   "text",
		RememberTTL: engine.DefaultKeyTTL,
		Pwgen: pwgenConfig{
			Length:   20,
			Words:    5,
			WordList: pwgen.DefaultWordsFile,
		},
	}
}

// defaultConfigPath returns $KEEPDB_CONFIG or ~/.config/keepdb/config.yaml.
func defaultConfigPath() string {
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "keepdb", "config.yaml")
}

// loadConfig reads the configuration file at path.  A missing file is
// only an error if required is true.
func loadConfig(path string, required bool) (*config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return cfg, nil
	}
	if err != nil {
		return nil, userError{msg: "Cannot read configuration: " + err.Error(), err: err}
	}
	if err := cfg.parse(data); err != nil {
		return nil, userError{
			msg: fmt.Sprintf("Invalid configuration in %s: %v", path, err),
			err: fmt.Errorf("parse %s: %w", path, err),
		}
	}
	return cfg, nil
}

func (cfg *config) parse(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	if cfg.RememberTTL < 0 {
		return fmt.Errorf("remember_ttl must not be negative")
	}
	if cfg.Pwgen.Length < 0 || cfg.Pwgen.Words < 0 {
		return fmt.Errorf("pwgen lengths must not be negative")
	}
	return nil
}
