// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package crypto implements the symmetric channel encryption used on the
// mesh: AES in counter mode with a nonce derived from the packet id and the
// source node number. Both sides derive the same keystream, so Encrypt and
// Decrypt are the same transform.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/pkg/errors"
)

// DefaultPSK is the well-known key of the default channel. Index-style
// one-byte PSKs are expanded from it.
var DefaultPSK = []byte{
	0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59,
	0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01,
}

// ErrKeyLength is returned for key material that is neither 16 nor 32 bytes
// after expansion.
var ErrKeyLength = errors.New("aes key must be 16 or 32 bytes")

// ErrNoKey is returned when a nil (encryption disabled) key is used.
var ErrNoKey = errors.New("channel has encryption disabled")

// ExpandPSK turns raw channel key material into an AES key following the
// firmware rules:
//
//	len 0        -> nil, encryption disabled
//	len 1        -> default PSK with the last byte bumped by (index-1)
//	len 16 or 32 -> used as-is
//	len < 16     -> zero-padded right to 16
//	len 17..31   -> zero-padded right to 32
//
// A one-byte PSK always yields a 16-byte AES-128 key.
func ExpandPSK(psk []byte) []byte {
	switch {
	case len(psk) == 0:
		return nil
	case len(psk) == 1:
		key := make([]byte, 16)
		copy(key, DefaultPSK)
		key[15] += psk[0] - 1
		return key
	case len(psk) == 16 || len(psk) == 32:
		return psk
	case len(psk) < 16:
		key := make([]byte, 16)
		copy(key, psk)
		return key
	default:
		key := make([]byte, 32)
		copy(key, psk)
		return key
	}
}

// Nonce builds the 16-byte CTR initial block: little-endian 64-bit packet id,
// little-endian 32-bit source node number, four zero bytes.
func Nonce(packetID uint32, fromNode uint32) []byte {
	nonce := make([]byte, 16)
	binary.LittleEndian.PutUint64(nonce[0:8], uint64(packetID))
	binary.LittleEndian.PutUint32(nonce[8:12], fromNode)
	return nonce
}

// Transform applies AES-CTR with the packet nonce. CTR is symmetric, so the
// same call both encrypts and decrypts. The key must be exactly 16 or 32
// bytes; callers expand raw channel material with ExpandPSK first.
func Transform(key, payload []byte, packetID, fromNode uint32) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}
	if len(key) != 16 && len(key) != 32 {
		return nil, errors.Wrapf(ErrKeyLength, "got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes cipher")
	}
	out := make([]byte, len(payload))
	cipher.NewCTR(block, Nonce(packetID, fromNode)).XORKeyStream(out, payload)
	return out, nil
}

// maxPlausibleLength bounds the first length-delimited field of a candidate
// plaintext. Real inner records are far smaller.
const maxPlausibleLength = 1000

// Plausible reports whether a decrypted byte sequence looks like the start of
// a well-formed record. It is intentionally loose: it must never reject a
// valid short record, only filter keystream garbage when trying keys.
func Plausible(plain []byte) bool {
	if len(plain) < 2 {
		return false
	}
	wt := int(plain[0] & 0x7)
	field := int(plain[0] >> 3)
	if field == 0 || wt > 5 {
		return false
	}
	if wt != 2 {
		return true
	}
	n, used := binary.Uvarint(plain[1:])
	if used <= 0 {
		return false
	}
	if n > maxPlausibleLength || int(n) > len(plain)-1-used {
		return false
	}
	return true
}
