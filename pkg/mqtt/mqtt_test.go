// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mqtt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return qosAtLeastOnce }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func TestOnMessageInvokesHandler(t *testing.T) {
	var gotTopic string
	var gotPayload []byte
	c := New(Options{}, func(topic string, payload []byte) {
		gotTopic = topic
		gotPayload = payload
	})

	c.onMessage(nil, &fakeMessage{topic: "msh/US/2/e/LongFast/!1", payload: []byte{0x0A, 0x01}})
	assert.Equal(t, "msh/US/2/e/LongFast/!1", gotTopic)
	assert.Equal(t, []byte{0x0A, 0x01}, gotPayload)
	assert.Less(t, c.LastMessageAge(), time.Second)
}

func TestLastMessageAgeBeforeTraffic(t *testing.T) {
	c := New(Options{}, nil)
	assert.Greater(t, c.LastMessageAge(), time.Hour)
}

func TestConnectTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a dead address")
	}
	c := New(Options{
		BrokerURL:      "tcp://127.0.0.1:1", // nothing listens here
		ClientID:       "test",
		Topic:          "msh/#",
		KeepAlive:      time.Second,
		ConnectTimeout: 100 * time.Millisecond,
	}, nil)
	err := c.Start()
	require.Error(t, err)
	assert.False(t, c.Connected())
}
