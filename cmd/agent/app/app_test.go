// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/DataDog/meshtastic-agent/pkg/mqtt"
	"github.com/DataDog/meshtastic-agent/pkg/store"
)

func TestExitCodes(t *testing.T) {
	assert.Equal(t, exitSchema,
		exitCodeFor(errors.Wrap(store.ErrSchemaMismatch, "startup")))
	assert.Equal(t, exitBrokerAuth,
		exitCodeFor(errors.Wrap(mqtt.ErrAuthRejected, "connect")))
	assert.Equal(t, exitDatabase,
		exitCodeFor(errors.Wrapf(store.ErrDatabase, "open: %v", "disk full")))
	assert.Equal(t, exitConfig,
		exitCodeFor(errors.New("mqtt.broker_url (MESH_MQTT_BROKER_URL) is required")))
}
