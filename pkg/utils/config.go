// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"errors"
	"strings"

	"github.com/LeeDigitalWorks/zapgate/pkg/logger"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

var (
	ConfigurationFileDirectory string
)

// LoadConfiguration merges configFileName (without extension) from the usual
// search path into viper. Environment variables override file values with
// dots replaced by underscores.
func LoadConfiguration(configFileName string, required bool) bool {
	viper.SetConfigName(configFileName)
	if ConfigurationFileDirectory != "" {
		viper.AddConfigPath(ResolvePath(ConfigurationFileDirectory))
	}
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.zapgate")
	viper.AddConfigPath("/etc/zapgate/")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			if required {
				logger.Fatal().Str("config", configFileName).Msg("config file not found")
			}
			logger.Info().Str("config", configFileName).Msg("config file not found, using flags and environment")
			return false
		}

		if required {
			logger.Fatal().Err(err).Str("config", configFileName).Msg("failed to load required config file")
		}
		logger.Warn().Err(err).Str("config", configFileName).Msg("failed to load config file")
		return false
	}
	logger.Info().Str("config", viper.ConfigFileUsed()).Msg("loaded config file")

	return true
}

// GetBytes reads a size setting that may be written as a plain number or a
// humanized string such as "4MiB".
func GetBytes(key string, fallback uint64) uint64 {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return fallback
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		logger.Warn().Err(err).Str("key", key).Str("value", raw).Msg("invalid size, using default")
		return fallback
	}
	return n
}
