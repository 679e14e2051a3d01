// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package mqtt maintains the broker session: one subscription, QoS 1 both
// ways, automatic reconnect. Payloads reach the handler as raw bytes so the
// binary envelope topics survive untouched.
package mqtt

import (
	"crypto/tls"
	"expvar"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/DataDog/meshtastic-agent/pkg/util/log"
)

var (
	mqttExpvars  = expvar.NewMap("mqtt")
	mqttReceived = expvar.Int{}
	mqttDropped  = expvar.Int{}
	mqttLost     = expvar.Int{}
)

func init() {
	mqttExpvars.Set("MessagesReceived", &mqttReceived)
	mqttExpvars.Set("MessagesDropped", &mqttDropped)
	mqttExpvars.Set("ConnectionsLost", &mqttLost)
}

// ErrAuthRejected marks a permanent credential rejection; the supervisor
// maps it to a dedicated exit code.
var ErrAuthRejected = errors.New("broker rejected credentials")

// qosAtLeastOnce is used on both subscribe and publish.
const qosAtLeastOnce = 1

// Handler receives every delivery on the subscribed pattern.
type Handler func(topic string, payload []byte)

// Options configures the broker session.
type Options struct {
	BrokerURL      string
	Username       string
	Password       string
	Topic          string
	ClientID       string
	UseTLS         bool
	ReconnectEvery time.Duration
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// Client wraps the paho session.
type Client struct {
	opts    Options
	handler Handler
	client  paho.Client

	lastMessage atomic.Int64
	connected   atomic.Bool
}

// New builds a client; Start connects it.
func New(opts Options, handler Handler) *Client {
	return &Client{opts: opts, handler: handler}
}

// Start connects and subscribes. Credential rejections return ErrAuthRejected;
// other connect failures are transport errors and retried by paho once the
// initial connect has succeeded, so the first attempt is the only fatal one.
func (c *Client) Start() error {
	po := paho.NewClientOptions().
		AddBroker(c.opts.BrokerURL).
		SetClientID(c.opts.ClientID).
		SetUsername(c.opts.Username).
		SetPassword(c.opts.Password).
		SetKeepAlive(c.opts.KeepAlive).
		SetConnectTimeout(c.opts.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(c.opts.ReconnectEvery).
		SetCleanSession(false).
		SetOrderMatters(true)
	if c.opts.UseTLS {
		po.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	po.SetOnConnectHandler(func(client paho.Client) {
		c.connected.Store(true)
		log.Infof("mqtt: connected to %s, subscribing to %s", c.opts.BrokerURL, c.opts.Topic)
		token := client.Subscribe(c.opts.Topic, qosAtLeastOnce, c.onMessage)
		go func() {
			token.Wait()
			if err := token.Error(); err != nil {
				log.Errorf("mqtt: subscribe failed: %v", err)
			}
		}()
	})
	po.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.connected.Store(false)
		mqttLost.Add(1)
		log.Warnf("mqtt: connection lost: %v", err)
	})

	c.client = paho.NewClient(po)
	token := c.client.Connect()
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		return errors.Errorf("broker connect timed out after %s", c.opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
			errors.Is(err, packets.ErrorRefusedNotAuthorised) {
			return errors.Wrap(ErrAuthRejected, err.Error())
		}
		return errors.Wrap(err, "broker connect")
	}
	return nil
}

// Stop unsubscribes and disconnects, letting in-flight QoS 1 acks settle.
func (c *Client) Stop() {
	if c.client == nil {
		return
	}
	if token := c.client.Unsubscribe(c.opts.Topic); token != nil {
		token.WaitTimeout(time.Second)
	}
	c.client.Disconnect(250)
	c.connected.Store(false)
}

func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	mqttReceived.Add(1)
	c.lastMessage.Store(time.Now().UnixMilli())
	if c.handler == nil {
		mqttDropped.Add(1)
		return
	}
	c.handler(msg.Topic(), msg.Payload())
}

// Publish sends bytes at QoS 1.
func (c *Client) Publish(topic string, payload []byte) error {
	if c.client == nil {
		return errors.New("not connected")
	}
	token := c.client.Publish(topic, qosAtLeastOnce, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("publish timed out")
	}
	return errors.Wrap(token.Error(), "publish")
}

// Connected reports whether the session is up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// LastMessageAge is the time since the last delivery; a very large value
// when nothing has arrived yet.
func (c *Client) LastMessageAge() time.Duration {
	last := c.lastMessage.Load()
	if last == 0 {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(time.UnixMilli(last))
}
