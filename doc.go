// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package dice implements the [Open DICE] layered attestation flow.
//
// At each boot stage, [MainFlow] takes the stage's Compound Device Identifiers
// ([CDIs]) and measurements of the next stage ([InputValues]), and derives
// the next stage's CDIs and a certificate binding the next stage's public key
// to those measurements. The certificate is signed by a key derived from the
// current stage's attestation CDI, so a chain of certificates rooted at the
// Unique Device Secret (UDS) proves which code ran and how it was configured.
// No state is kept between stages.
//
// Cryptographic primitives are provided by an implementation of [Ops]. The
// [ops.Ed25519] type uses SHA-512, HKDF-SHA512, and Ed25519. Every secret the
// flow creates is passed to [Ops.ClearMemory] before returning, whether or not
// the flow succeeded.
//
// Certificates use the CBOR profile: a COSE_Sign1 whose payload is a CWT
// claims set. They are encoded with the [cbor] package, which writes into
// caller-owned buffers after measuring the exact size needed. When the
// certificate buffer is too small, [ErrBufferTooSmall] is returned along with
// the required size.
//
// A relying party checks a chain with [VerifyChain], given the public key of
// the UDS ([CdiPublicKey]). Chains may be kept with a [ChainState], such as
// [sqlite.DB], and transported as [evidence.Bundle] messages.
//
// [Open DICE]: https://pigweed.googlesource.com/open-dice/+/HEAD/docs/specification.md
package dice
