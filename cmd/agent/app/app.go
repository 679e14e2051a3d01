// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package app implements the agent command line.
package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/DataDog/meshtastic-agent/pkg/config"
	"github.com/DataDog/meshtastic-agent/pkg/mqtt"
	"github.com/DataDog/meshtastic-agent/pkg/store"
	"github.com/DataDog/meshtastic-agent/pkg/supervisor"
	"github.com/DataDog/meshtastic-agent/pkg/util/log"
	"github.com/DataDog/meshtastic-agent/pkg/version"
)

// Process exit codes. Orchestrators key restart policy off these.
const (
	exitOK         = 0
	exitConfig     = 1
	exitSchema     = 2
	exitDatabase   = 3
	exitBrokerAuth = 4
)

var agentCmd = &cobra.Command{
	Use:          "agent [command]",
	Short:        "Mesh ingestion agent",
	Long:         `Subscribes to a mesh broker, decodes and persists traffic, and fans it out to dashboards.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Agent %s (commit %s)\n", version.AgentVersion, version.Commit)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ingestion pipeline",
	RunE:  start,
}

func init() {
	agentCmd.AddCommand(versionCmd)
	agentCmd.AddCommand(startCmd)
}

// Run executes the command line and returns the process exit code.
func Run() int {
	if err := agentCmd.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return exitOK
}

func start(cmd *cobra.Command, args []string) error {
	if err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return err
	}
	if err := log.SetupDefaultLogger(config.Mesh.GetString("log_level")); err != nil {
		return err
	}
	defer log.Flush()
	log.Infof("starting mesh agent %s", version.AgentVersion)

	sup, err := supervisor.New()
	if err != nil {
		return err
	}
	if err := sup.Start(); err != nil {
		sup.Stop()
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	sig := <-signals
	log.Infof("received %s, shutting down", sig)

	if err := sup.Stop(); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	return nil
}

// exitCodeFor maps startup failures to their contract exit codes.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, store.ErrSchemaMismatch):
		return exitSchema
	case errors.Is(err, mqtt.ErrAuthRejected):
		return exitBrokerAuth
	case errors.Is(err, store.ErrDatabase):
		return exitDatabase
	default:
		return exitConfig
	}
}
