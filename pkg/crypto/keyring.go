// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package crypto

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrNoPlausibleKey is returned when no candidate key produces a plausible
// plaintext for a packet.
var ErrNoPlausibleKey = errors.New("no key yields a plausible plaintext")

// wellKnownChannels are the public channel names that ship with the default
// key. Anything not listed here still falls back to the default key unless an
// operator key overrides it.
var wellKnownChannels = map[string]struct{}{
	"LongFast":   {},
	"LongSlow":   {},
	"LongMod":    {},
	"MediumFast": {},
	"MediumSlow": {},
	"ShortFast":  {},
	"ShortSlow":  {},
	"ShortTurbo": {},
	"VLongSlow":  {},
	"admin":      {},
}

// Keyring resolves channel names to candidate AES keys and tries them in a
// deterministic order: the default key first, then operator-supplied keys in
// name order.
type Keyring struct {
	mu       sync.RWMutex
	channels map[string][]byte
}

// NewKeyring returns a keyring holding only the default key.
func NewKeyring() *Keyring {
	return &Keyring{channels: make(map[string][]byte)}
}

// SetChannelKey registers raw key material for a channel. The material is
// expanded with the PSK rules; empty material disables the override.
func (k *Keyring) SetChannelKey(channel string, psk []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	key := ExpandPSK(psk)
	if key == nil {
		delete(k.channels, channel)
		return
	}
	k.channels[channel] = key
}

// candidates returns the keys to try for a channel, default first.
func (k *Keyring) candidates(channel string) [][]byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	keys := [][]byte{DefaultPSK}
	if key, ok := k.channels[channel]; ok {
		keys = append(keys, key)
	}
	// Keys registered for other channels are tried last: gateways sometimes
	// publish under the wrong channel name.
	names := make([]string, 0, len(k.channels))
	for name := range k.channels {
		if name != channel {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		keys = append(keys, k.channels[name])
	}
	return keys
}

// Decrypt tries every candidate key for the channel and returns the first
// plaintext that passes the plausibility check.
func (k *Keyring) Decrypt(channel string, ciphertext []byte, packetID, fromNode uint32) ([]byte, error) {
	for _, key := range k.candidates(channel) {
		plain, err := Transform(key, ciphertext, packetID, fromNode)
		if err != nil {
			return nil, err
		}
		if Plausible(plain) {
			return plain, nil
		}
	}
	return nil, errors.Wrapf(ErrNoPlausibleKey, "channel %q", channel)
}

// IsWellKnown reports whether the channel name is one of the stock public
// channels.
func IsWellKnown(channel string) bool {
	_, ok := wellKnownChannels[channel]
	return ok
}
