// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package crypto

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPSK(t *testing.T) {
	// Empty material disables encryption.
	assert.Nil(t, ExpandPSK(nil))
	assert.Nil(t, ExpandPSK([]byte{}))

	// Index 1 is exactly the default key.
	assert.Equal(t, DefaultPSK, ExpandPSK([]byte{1}))

	// Higher indexes bump the last byte; the result stays 16 bytes (AES-128),
	// matching firmware behavior.
	key := ExpandPSK([]byte{3})
	require.Len(t, key, 16)
	assert.Equal(t, DefaultPSK[:15], key[:15])
	assert.Equal(t, DefaultPSK[15]+2, key[15])

	// 16 and 32 byte keys pass through untouched.
	k16 := bytes.Repeat([]byte{0xAB}, 16)
	assert.Equal(t, k16, ExpandPSK(k16))
	k32 := bytes.Repeat([]byte{0xCD}, 32)
	assert.Equal(t, k32, ExpandPSK(k32))

	// Short material zero-pads to 16, mid-length to 32.
	key = ExpandPSK([]byte{1, 2, 3, 4, 5})
	require.Len(t, key, 16)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, key[:5])
	assert.Equal(t, make([]byte, 11), key[5:])

	key = ExpandPSK(bytes.Repeat([]byte{7}, 20))
	require.Len(t, key, 32)
	assert.Equal(t, make([]byte, 12), key[20:])
}

func TestNonceLayout(t *testing.T) {
	nonce := Nonce(0x00123456, 0x298A814D)
	require.Len(t, nonce, 16)
	assert.Equal(t, []byte{0x56, 0x34, 0x12, 0x00, 0, 0, 0, 0}, nonce[0:8])
	assert.Equal(t, []byte{0x4D, 0x81, 0x8A, 0x29}, nonce[8:12])
	assert.Equal(t, []byte{0, 0, 0, 0}, nonce[12:16])
}

func TestNonceUniqueness(t *testing.T) {
	a := Nonce(1, 0xDA638A48)
	b := Nonce(1, 0xDA638A48)
	c := Nonce(2, 0xDA638A48)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestTransformRoundTrip(t *testing.T) {
	plain := []byte("the quick brown fox")
	ct, err := Transform(DefaultPSK, plain, 42, 0x11223344)
	require.NoError(t, err)
	assert.NotEqual(t, plain, ct)

	back, err := Transform(DefaultPSK, ct, 42, 0x11223344)
	require.NoError(t, err)
	assert.Equal(t, plain, back)

	// A different nonce yields a different keystream.
	other, err := Transform(DefaultPSK, ct, 43, 0x11223344)
	require.NoError(t, err)
	assert.NotEqual(t, plain, other)
}

func TestTransformKeyLength(t *testing.T) {
	_, err := Transform(bytes.Repeat([]byte{1}, 15), []byte("x"), 1, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKeyLength))

	_, err = Transform(nil, []byte("x"), 1, 2)
	assert.True(t, errors.Is(err, ErrNoKey))

	_, err = Transform(bytes.Repeat([]byte{1}, 32), []byte("x"), 1, 2)
	assert.NoError(t, err)
}

func TestPlausible(t *testing.T) {
	// Tag for field 1 varint plus a value byte.
	assert.True(t, Plausible([]byte{0x08, 0x01}))
	// Field 2 bytes, length 5, exactly 5 bytes follow.
	assert.True(t, Plausible([]byte{0x12, 0x05, 'h', 'e', 'l', 'l', 'o'}))
	// Length overruns the buffer.
	assert.False(t, Plausible([]byte{0x12, 0x05, 'h', 'i'}))
	// Length over the cap.
	assert.False(t, Plausible(append([]byte{0x12, 0xE9, 0x07}, make([]byte, 1001)...)))
	// Field number zero.
	assert.False(t, Plausible([]byte{0x00, 0x01}))
	// Reserved wire types 6 and 7.
	assert.False(t, Plausible([]byte{0x0E, 0x01}))
	assert.False(t, Plausible([]byte{0x0F, 0x01}))
	// Too short.
	assert.False(t, Plausible([]byte{0x08}))
	assert.False(t, Plausible(nil))
	// Group markers are legal starts for old emitters.
	assert.True(t, Plausible([]byte{0x0B, 0x08}))
}

func TestKeyringDefaultFirst(t *testing.T) {
	ring := NewKeyring()
	plain := []byte{0x08, 0x01, 0x12, 0x02, 'h', 'i'}
	ct, err := Transform(DefaultPSK, plain, 7, 9)
	require.NoError(t, err)

	out, err := ring.Decrypt("LongFast", ct, 7, 9)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestKeyringOperatorKey(t *testing.T) {
	ring := NewKeyring()
	secret := bytes.Repeat([]byte{0x5A}, 32)
	ring.SetChannelKey("Private", secret)

	plain := []byte{0x08, 0x01, 0x12, 0x02, 'h', 'i'}
	ct, err := Transform(secret, plain, 100, 200)
	require.NoError(t, err)

	out, err := ring.Decrypt("Private", ct, 100, 200)
	require.NoError(t, err)
	assert.Equal(t, plain, out)

	// The same key is still reachable under a mismatched channel name.
	out, err = ring.Decrypt("LongFast", ct, 100, 200)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestKeyringNoPlausibleKey(t *testing.T) {
	ring := NewKeyring()
	// Encrypt bytes that start with field number zero: implausible under any
	// key, so the ring exhausts its candidates.
	ct, err := Transform(DefaultPSK, []byte{0x00, 0x00, 0x00, 0x00}, 5, 0xFFFF)
	require.NoError(t, err)
	_, err = ring.Decrypt("LongFast", ct, 5, 0xFFFF)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoPlausibleKey))
}

func TestIsWellKnown(t *testing.T) {
	assert.True(t, IsWellKnown("LongFast"))
	assert.False(t, IsWellKnown("MyPrivateMesh"))
}
