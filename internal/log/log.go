// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package log wraps zap so every component shares one sugared logger
// configured from a single yaml-driven zap.Config.
package log

import (
	"go.uber.org/zap"
)

// ConfigureLogger builds a *zap.SugaredLogger from config, filling in
// sensible defaults for any zero-valued field.
func ConfigureLogger(config zap.Config) (*zap.SugaredLogger, error) {
	config = applyDefaults(config)
	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// applyDefaults fills in an unset EncoderConfig (the common case when the
// rest of config came from a sparse yaml block) with zap's console encoder,
// and defaults empty output paths to stderr.
func applyDefaults(config zap.Config) zap.Config {
	if config.EncoderConfig.MessageKey == "" && config.EncoderConfig.TimeKey == "" {
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	if config.Encoding == "" {
		config.Encoding = "console"
	}
	if len(config.OutputPaths) == 0 {
		config.OutputPaths = []string{"stderr"}
	}
	if len(config.ErrorOutputPaths) == 0 {
		config.ErrorOutputPaths = []string{"stderr"}
	}
	if config.Level == (zap.AtomicLevel{}) {
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return config
}

// New returns a no-op sugared logger, useful as a safe zero value before
// configuration has loaded.
func New() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
