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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zombiezen.com/go/keepdb/pkg/engine"
)

func TestConfigParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    func(*config)
		wantErr bool
	}{
		{
			name: "Empty",
			data: "",
			want: func(*config) {},
		},
		{
			name: "All",
			data: `database: /tmp/pw.kdbx
key_file: /tmp/pw.key
log_level: debug
log_format: json
remember_keys: true
remember_ttl: 2m
pwgen:
  length: 32
  words: 6
  word_list: /tmp/words
  symbols: true
`,
			want: func(cfg *config) {
				cfg.Database = "/tmp/pw.kdbx"
				cfg.KeyFile = "/tmp/pw.key"
				cfg.LogLevel = "debug"
				cfg.LogFormat = "json"
				cfg.RememberKeys = true
				cfg.RememberTTL = 2 * time.Minute
				cfg.Pwgen = pwgenConfig{Length: 32, Words: 6, WordList: "/tmp/words", Symbols: true}
			},
		},
		{
			name: "Partial",
			data: "pwgen:\n  symbols: true\n",
			want: func(cfg *config) {
				cfg.Pwgen.Symbols = true
			},
		},
		{
			name:    "UnknownKey",
			data:    "databse: /tmp/pw.kdbx\n",
			wantErr: true,
		},
		{
			name:    "NegativeTTL",
			data:    "remember_ttl: -1s\n",
			wantErr: true,
		},
		{
			name:    "NegativeLength",
			data:    "pwgen:\n  length: -4\n",
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := defaultConfig()
			err := cfg.parse([]byte(test.data))
			if test.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			want := defaultConfig()
			test.want(want)
			assert.Equal(t, want, cfg)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.yaml")

	cfg, err := loadConfig(missing, false)
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
	assert.Equal(t, engine.DefaultKeyTTL, cfg.RememberTTL)

	_, err = loadConfig(missing, true)
	assert.Error(t, err)
	assert.True(t, isUserError(err))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("log_level: [\n"), 0600))
	_, err = loadConfig(bad, false)
	require.Error(t, err)
	assert.Contains(t, userErrorMessage(err), bad)

	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("database: pw.kdbx\n"), 0600))
	cfg, err = loadConfig(good, true)
	require.NoError(t, err)
	assert.Equal(t, "pw.kdbx", cfg.Database)
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv(configEnv, "/etc/keepdb.yaml")
	assert.Equal(t, "/etc/keepdb.yaml", defaultConfigPath())
}

func TestConfigFromCommandLine(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pwgen:\n  length: 12\n"), 0600))

	out := h.ok("", "--config", path, "pwgen")
	assert.Len(t, out, 13)

	r := h.run("", "--config", filepath.Join(h.dir, "nope.yaml"), "pwgen")
	assert.Equal(t, exitFailure, r.code)
	assert.Contains(t, r.errOut, "Cannot read configuration")
}
