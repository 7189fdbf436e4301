// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package dice

// Ops provides the cryptographic primitives used by the DICE flow. The Ops
// value itself is the context of every call; implementations that hold
// handles to hardware may lock internally.
//
// All output buffers are owned by the caller. Any error returned is treated
// as fatal for the current flow and reported as ErrPlatform.
type Ops interface {
	// Hash computes a digest of input, such as SHA-512.
	Hash(input []byte, digest *Digest) error

	// KDF fills output with key material derived from ikm, salt, and info,
	// such as with HKDF-SHA512. It must be deterministic.
	KDF(output, ikm, salt, info []byte) error

	// KeypairFromSeed deterministically derives a key pair from seed. The
	// private key may use any format, as it is only passed back to Sign.
	KeypairFromSeed(seed *PrivateKeySeed, publicKey *[PublicKeyMaxSize]byte, privateKey *[PrivateKeyMaxSize]byte) (publicKeySize, privateKeySize int, err error)

	// Sign writes the signature of message into signature. If the length of
	// signature does not match the signature size of the implementation, an
	// error is returned.
	Sign(message, privateKey, signature []byte) error

	// Verify returns nil only if signature is a valid signature of message by
	// publicKey.
	Verify(message, signature, publicKey []byte) error

	// ClearMemory overwrites b. The write must not be optimized away, even if
	// b is never read again.
	ClearMemory(b []byte)
}
