// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package ops implements the cryptographic primitives of the DICE flow in
// software.
package ops

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/hkdf"

	"github.com/fido-device-onboard/go-dice"
)

// Ed25519 implements [dice.Ops] with SHA-512, HKDF-SHA512, and Ed25519. These
// are the primitives of the Open DICE profile, so chains produced with
// Ed25519 may be verified by other implementations of that profile.
//
// Ed25519 has no state and is safe for concurrent use.
//
// The Go Ed25519 implementation copies the seed and expanded key into
// temporary values which cannot be cleared. Platforms which must guarantee
// that no copy of a secret outlives a call should implement [dice.Ops] with
// hardware-backed keys.
type Ed25519 struct{}

var _ dice.Ops = Ed25519{}

// Hash implements dice.Ops.
func (Ed25519) Hash(input []byte, digest *dice.Digest) error {
	*digest = sha512.Sum512(input)
	return nil
}

// KDF implements dice.Ops with HKDF-SHA512.
func (Ed25519) KDF(output, ikm, salt, info []byte) error {
	if _, err := io.ReadFull(hkdf.New(sha512.New, ikm, salt, info), output); err != nil {
		return fmt.Errorf("hkdf: %w", err)
	}
	return nil
}

// KeypairFromSeed implements dice.Ops. The private key is the 64-byte Go
// representation, which is the seed followed by the public key.
func (Ed25519) KeypairFromSeed(seed *dice.PrivateKeySeed, publicKey *[dice.PublicKeyMaxSize]byte, privateKey *[dice.PrivateKeyMaxSize]byte) (int, int, error) {
	key := ed25519.NewKeyFromSeed(seed[:])
	defer clearMemory(key)
	copy(privateKey[:], key)
	copy(publicKey[:], key[ed25519.SeedSize:])
	return ed25519.PublicKeySize, ed25519.PrivateKeySize, nil
}

// Sign implements dice.Ops.
func (Ed25519) Sign(message, privateKey, signature []byte) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("private key is %d bytes, expected %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("signature buffer is %d bytes, expected %d", len(signature), ed25519.SignatureSize)
	}
	copy(signature, ed25519.Sign(ed25519.PrivateKey(privateKey), message))
	return nil
}

// Verify implements dice.Ops.
func (Ed25519) Verify(message, signature, publicKey []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("public key is %d bytes, expected %d", len(publicKey), ed25519.PublicKeySize)
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), message, signature) {
		return errors.New("ed25519 signature verification failed")
	}
	return nil
}

// ClearMemory implements dice.Ops.
func (Ed25519) ClearMemory(b []byte) { clearMemory(b) }

// clearMemory zeroes b. KeepAlive keeps b reachable until after the clear, so
// the stores cannot be eliminated as dead.
func clearMemory(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}
