// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config holds the agent configuration: defaults, environment
// bindings and the optional mesh-agent.yaml file.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Mesh is the global configuration object
var Mesh Config

func init() {
	Mesh = NewConfig("mesh-agent", "MESH", strings.NewReplacer(".", "_"))
	initConfig(Mesh)
}

// initConfig initializes the config defaults on a config object
func initConfig(config Config) {
	// Agent
	config.BindEnvAndSetDefault("log_level", "info")
	config.BindEnvAndSetDefault("api.host", "localhost")
	config.BindEnvAndSetDefault("api.port", 8750)
	config.BindEnvAndSetDefault("shutdown_timeout_seconds", 30)

	// Broker
	config.BindEnv("mqtt.broker_url")
	config.BindEnvAndSetDefault("mqtt.username", "")
	config.BindEnvAndSetDefault("mqtt.password", "")
	config.BindEnvAndSetDefault("mqtt.topic", "msh/US/#")
	config.BindEnvAndSetDefault("mqtt.use_tls", false)
	config.BindEnvAndSetDefault("mqtt.client_id", "mesh-agent")
	config.BindEnvAndSetDefault("mqtt.reconnect_period_ms", 5000)
	config.BindEnvAndSetDefault("mqtt.keepalive_seconds", 60)
	config.BindEnvAndSetDefault("mqtt.connect_timeout_seconds", 30)

	// Storage
	config.BindEnv("db.path")
	config.BindEnvAndSetDefault("db.retention_days", 30)

	// Pipeline
	config.BindEnvAndSetDefault("pipeline.queue_capacity", 10000)
	config.BindEnvAndSetDefault("pipeline.dedupe_window_ms", 60000)
	config.BindEnvAndSetDefault("pipeline.rate_limit_max", 1)
	config.BindEnvAndSetDefault("pipeline.rate_limit_window_ms", 1000)
	config.BindEnvAndSetDefault("pipeline.drain_interval_ms", 500)
	config.BindEnvAndSetDefault("pipeline.drain_batch_size", 100)

	// Writer
	config.BindEnvAndSetDefault("writer.batch_max_size", 100)
	config.BindEnvAndSetDefault("writer.batch_max_wait_ms", 500)

	// Broadcaster
	config.BindEnvAndSetDefault("broadcast.heartbeat_ms", 30000)
	config.BindEnvAndSetDefault("broadcast.flush_interval_ms", 250)
	config.BindEnvAndSetDefault("broadcast.snapshot_nodes", 500)
	config.BindEnvAndSetDefault("broadcast.snapshot_positions", 1000)
	config.BindEnvAndSetDefault("broadcast.snapshot_messages", 100)
	config.BindEnvAndSetDefault("broadcast.session_buffer_bytes", 1024*1024)
}

// Load reads config files and validates required settings. It is a fatal
// configuration error (exit code 1) when a required key is missing.
func Load() error {
	Mesh.AddConfigPath(".")
	if path := os.Getenv("MESH_CONF_PATH"); path != "" {
		Mesh.AddConfigPath(path)
	}
	if err := Mesh.ReadInConfig(); err != nil {
		// A missing config file is fine, everything can come from the env
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return errors.Wrap(err, "unable to read configuration file")
		}
	}

	if Mesh.GetString("mqtt.broker_url") == "" {
		return errors.New("mqtt.broker_url (MESH_MQTT_BROKER_URL) is required")
	}
	if Mesh.GetString("db.path") == "" {
		return errors.New("db.path (MESH_DB_PATH) is required")
	}
	return nil
}
