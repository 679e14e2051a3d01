// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package classifier

import (
	"sync"

	"github.com/DataDog/meshtastic-agent/pkg/util/log"
)

// maxChannelIndex is the highest channel slot a radio carries.
const maxChannelIndex = 7

// PersistChannelFunc is called once per newly learned channel so the mapping
// survives restarts. It runs under the channel map lock and must not block.
type PersistChannelFunc func(name string, index uint32)

// channelMap learns the channel-name to channel-index mapping from traffic.
// Names are assigned the next free index up to 7; later observations reuse
// the learned slot.
type channelMap struct {
	mu      sync.Mutex
	indexes map[string]uint32
	next    uint32
	persist PersistChannelFunc
}

func newChannelMap(persist PersistChannelFunc) *channelMap {
	return &channelMap{
		indexes: make(map[string]uint32),
		persist: persist,
	}
}

// Seed installs a known mapping, typically restored from the database at
// startup, without invoking the persist callback.
func (c *channelMap) Seed(name string, index uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexes[name] = index
	if index >= c.next {
		c.next = index + 1
	}
}

// Index returns the channel index for a name, learning it on first sight.
// When all eight slots are taken, new names map to the last slot.
func (c *channelMap) Index(name string) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx, ok := c.indexes[name]; ok {
		return idx
	}
	idx := c.next
	if idx > maxChannelIndex {
		log.Warnf("classifier: channel table full, mapping %q to index %d", name, maxChannelIndex)
		idx = maxChannelIndex
	} else {
		c.next++
	}
	c.indexes[name] = idx
	if c.persist != nil {
		c.persist(name, idx)
	}
	return idx
}
