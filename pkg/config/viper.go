// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents an object that can load and store configuration parameters
// coming from files, the environment and defaults.
type Config interface {
	Set(key string, value interface{})
	SetDefault(key string, value interface{})
	SetConfigName(name string)
	SetConfigFile(path string)
	AddConfigPath(path string)
	ReadInConfig() error
	ConfigFileUsed() string

	BindEnv(key string)
	BindEnvAndSetDefault(key string, value interface{})

	IsSet(key string) bool
	Get(key string) interface{}
	GetBool(key string) bool
	GetInt(key string) int
	GetInt64(key string) int64
	GetFloat64(key string) float64
	GetString(key string) string
	GetStringSlice(key string) []string
	GetDuration(key string) time.Duration
	AllSettings() map[string]interface{}
}

// safeConfig wraps viper. The wrapper is what lets us default and env-bind in
// one call and keeps viper out of the packages that consume the config.
type safeConfig struct {
	*viper.Viper
	envPrefix string
}

// NewConfig returns a new Config populated with the given env prefix and key replacer
func NewConfig(name string, envPrefix string, envKeyReplacer *strings.Replacer) Config {
	config := &safeConfig{
		Viper:     viper.New(),
		envPrefix: envPrefix,
	}
	config.SetConfigName(name)
	config.SetEnvPrefix(envPrefix)
	config.SetEnvKeyReplacer(envKeyReplacer)
	config.SetTypeByDefaultValue(true)
	return config
}

func (c *safeConfig) Set(key string, value interface{}) {
	c.Viper.Set(key, value)
}

func (c *safeConfig) SetDefault(key string, value interface{}) {
	c.Viper.SetDefault(key, value)
}

func (c *safeConfig) BindEnv(key string) {
	c.Viper.BindEnv(key) //nolint:errcheck
}

// BindEnvAndSetDefault binds an environment variable and sets a default for the given key
func (c *safeConfig) BindEnvAndSetDefault(key string, value interface{}) {
	c.SetDefault(key, value)
	c.Viper.BindEnv(key) //nolint:errcheck
}
