// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version holds the version of the agent, set at build time.
package version

import "expvar"

// AgentVersion is the version of the running agent. Overridden at build time
// with -ldflags "-X github.com/DataDog/meshtastic-agent/pkg/version.AgentVersion=x.y.z".
var AgentVersion = "0.4.0"

// Commit is the git commit the agent was built from.
var Commit = ""

func init() {
	expvar.NewString("version").Set(AgentVersion)
}
