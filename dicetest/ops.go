// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package dicetest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fido-device-onboard/go-dice"
)

// Names of the Ops primitives, used to count calls and inject failures.
const (
	OpHash            = "Hash"
	OpKDF             = "KDF"
	OpKeypairFromSeed = "KeypairFromSeed"
	OpSign            = "Sign"
	OpVerify          = "Verify"
	OpClearMemory     = "ClearMemory"
)

// ErrInjected is returned by Failing.
var ErrInjected = errors.New("injected failure")

// Recorder wraps Ops, counting every call and remembering each buffer which
// received a secret. Secrets are KDF outputs the size of a CDI or seed, the
// seeds passed to KeypairFromSeed, and the private keys it produces.
//
// Recorded buffers alias the memory of the caller, so after a call returns
// Uncleared reports which of them still hold data.
type Recorder struct {
	Ops dice.Ops

	mu      sync.Mutex
	calls   map[string]int
	secrets []secret
}

type secret struct {
	name string
	buf  []byte
}

var _ dice.Ops = (*Recorder)(nil)

func (r *Recorder) called(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	n := r.calls[op]
	r.calls[op]++
	return n
}

func (r *Recorder) record(name string, buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets = append(r.secrets, secret{name: name, buf: buf})
}

// Calls returns the number of calls made to op.
func (r *Recorder) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// TotalCalls returns the number of calls made to any primitive other than
// ClearMemory.
func (r *Recorder) TotalCalls() (n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for op, calls := range r.calls {
		if op != OpClearMemory {
			n += calls
		}
	}
	return n
}

// Uncleared returns the names of recorded secrets which are not all zero.
func (r *Recorder) Uncleared() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, s := range r.secrets {
		for _, b := range s.buf {
			if b != 0 {
				names = append(names, s.name)
				break
			}
		}
	}
	return names
}

// Reset forgets all calls and secrets.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
	r.secrets = nil
}

// Hash implements dice.Ops.
func (r *Recorder) Hash(input []byte, digest *dice.Digest) error {
	r.called(OpHash)
	return r.Ops.Hash(input, digest)
}

// KDF implements dice.Ops.
func (r *Recorder) KDF(output, ikm, salt, info []byte) error {
	n := r.called(OpKDF)
	if len(output) == dice.CDISize {
		r.record(fmt.Sprintf("KDF output %d (%s)", n, info), output)
	}
	return r.Ops.KDF(output, ikm, salt, info)
}

// KeypairFromSeed implements dice.Ops.
func (r *Recorder) KeypairFromSeed(seed *dice.PrivateKeySeed, publicKey *[dice.PublicKeyMaxSize]byte, privateKey *[dice.PrivateKeyMaxSize]byte) (int, int, error) {
	n := r.called(OpKeypairFromSeed)
	r.record(fmt.Sprintf("seed %d", n), seed[:])
	r.record(fmt.Sprintf("private key %d", n), privateKey[:])
	return r.Ops.KeypairFromSeed(seed, publicKey, privateKey)
}

// Sign implements dice.Ops.
func (r *Recorder) Sign(message, privateKey, signature []byte) error {
	r.called(OpSign)
	return r.Ops.Sign(message, privateKey, signature)
}

// Verify implements dice.Ops.
func (r *Recorder) Verify(message, signature, publicKey []byte) error {
	r.called(OpVerify)
	return r.Ops.Verify(message, signature, publicKey)
}

// ClearMemory implements dice.Ops.
func (r *Recorder) ClearMemory(b []byte) {
	r.called(OpClearMemory)
	r.Ops.ClearMemory(b)
}

// Failing wraps Ops and returns ErrInjected from the Call-th (zero-based)
// call to Op. Every other call is passed through.
type Failing struct {
	Ops  dice.Ops
	Op   string
	Call int

	mu    sync.Mutex
	calls int
}

var _ dice.Ops = (*Failing)(nil)

func (f *Failing) fail(op string) bool {
	if op != f.Op {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls
	f.calls++
	return n == f.Call
}

// Hash implements dice.Ops.
func (f *Failing) Hash(input []byte, digest *dice.Digest) error {
	if f.fail(OpHash) {
		return ErrInjected
	}
	return f.Ops.Hash(input, digest)
}

// KDF implements dice.Ops.
func (f *Failing) KDF(output, ikm, salt, info []byte) error {
	if f.fail(OpKDF) {
		return ErrInjected
	}
	return f.Ops.KDF(output, ikm, salt, info)
}

// KeypairFromSeed implements dice.Ops. On an injected failure, the outputs
// are partially filled first, as a misbehaving platform might leave them.
func (f *Failing) KeypairFromSeed(seed *dice.PrivateKeySeed, publicKey *[dice.PublicKeyMaxSize]byte, privateKey *[dice.PrivateKeyMaxSize]byte) (int, int, error) {
	if f.fail(OpKeypairFromSeed) {
		copy(privateKey[:], seed[:])
		return 0, 0, ErrInjected
	}
	return f.Ops.KeypairFromSeed(seed, publicKey, privateKey)
}

// Sign implements dice.Ops.
func (f *Failing) Sign(message, privateKey, signature []byte) error {
	if f.fail(OpSign) {
		return ErrInjected
	}
	return f.Ops.Sign(message, privateKey, signature)
}

// Verify implements dice.Ops.
func (f *Failing) Verify(message, signature, publicKey []byte) error {
	if f.fail(OpVerify) {
		return ErrInjected
	}
	return f.Ops.Verify(message, signature, publicKey)
}

// ClearMemory implements dice.Ops. It is never failed.
func (f *Failing) ClearMemory(b []byte) { f.Ops.ClearMemory(b) }
