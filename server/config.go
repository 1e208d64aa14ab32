// Copyright 2024 The Cockroach Authors
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

package server

import (
	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

// Config is the demo server configuration, loaded from a TOML file.
type Config struct {
	// Addr is the listen address of the text protocol.
	Addr string `toml:"addr"`
	// MetricsAddr serves Prometheus metrics over HTTP; empty disables
	// the endpoint.
	MetricsAddr string `toml:"metrics_addr"`
	// Shards is the number of independent sets keys are spread over,
	// each owned by one worker goroutine.
	Shards int `toml:"shards"`
	// LogLevel is a zap level string: debug, info, warn, error.
	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Addr:     "127.0.0.1:6380",
		Shards:   4,
		LogLevel: "info",
	}
}

// LoadConfig reads a TOML configuration file, filling unset fields with
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "loading config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Newf("unknown config keys: %v", undecoded)
	}
	if cfg.Shards <= 0 {
		return Config{}, errors.Newf("shards must be positive, got %d", cfg.Shards)
	}
	return cfg, nil
}
