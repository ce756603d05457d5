// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"github.com/spf13/viper"
)

const (
	Local      = "local"
	Production = "production"
	Testing    = "testing"
)

// Get returns the deployment environment from ZAPGATE_ENV or ENV,
// defaulting to local.
func Get() string {
	for _, key := range []string{"ZAPGATE_ENV", "ENV"} {
		if v := viper.GetString(key); v != "" {
			return v
		}
	}
	return Local
}

func IsLocal() bool {
	return Get() == Local
}

func IsProduction() bool {
	return Get() == Production
}

func IsTesting() bool {
	return Get() == Testing
}

func init() {
	_ = viper.BindEnv("ZAPGATE_ENV")
	_ = viper.BindEnv("ENV")
}
