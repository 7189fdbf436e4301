// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package dice

import (
	"errors"
	"fmt"
	"log/slog"
)

// KDF salts. These are arbitrary but fixed, so that keys and IDs derived from
// the same CDI are independent.
var (
	asymSalt = [HashSize]byte{
		0x63, 0xb6, 0xa0, 0x4d, 0x2c, 0x07, 0x7f, 0xc1, 0x0f, 0x63, 0x9f, 0x21,
		0xda, 0x79, 0x38, 0x44, 0x35, 0x6c, 0xc2, 0xb0, 0xb4, 0x41, 0xb3, 0xa7,
		0x71, 0x24, 0x03, 0x5c, 0x03, 0xf8, 0xe1, 0xbe, 0x60, 0x35, 0xd3, 0x1f,
		0x28, 0x28, 0x21, 0xa7, 0x45, 0x0a, 0x02, 0x22, 0x2a, 0xb1, 0xb3, 0xcf,
		0xf1, 0x67, 0x9b, 0x05, 0xab, 0x1c, 0xa5, 0xd1, 0xaf, 0xfb, 0x78, 0x9c,
		0xcd, 0x2b, 0x0b, 0x3b,
	}
	idSalt = [HashSize]byte{
		0xdb, 0xdb, 0xae, 0xbc, 0x80, 0x20, 0xda, 0x9f, 0xf0, 0xdd, 0x5a, 0x24,
		0xc8, 0x3a, 0xa5, 0xa5, 0x42, 0x86, 0xdf, 0xc2, 0x63, 0x03, 0x1e, 0x32,
		0x9b, 0x4d, 0xa1, 0x48, 0x43, 0x06, 0x59, 0xfe, 0x62, 0xcd, 0xb5, 0xb7,
		0xe1, 0xe0, 0x0f, 0xc6, 0x80, 0x30, 0x67, 0x11, 0xeb, 0x44, 0x4a, 0xf7,
		0x72, 0x09, 0x35, 0x94, 0x96, 0xfc, 0xff, 0x1d, 0xb9, 0x52, 0x0b, 0xa5,
		0x1c, 0x7b, 0x29, 0xea,
	}
)

// KDF info labels
const (
	keyPairInfo = "Key Pair"
	idInfo      = "ID"
	attestInfo  = "CDI_Attest"
	sealInfo    = "CDI_Seal"
)

// Engine runs the DICE flow with a configured limit on descriptor sizes. The
// zero value is not usable; Ops must be set.
//
// An Engine holds no state between calls and may be used concurrently if its
// Ops may be.
type Engine struct {
	Ops Ops

	// MaxDescriptorSize limits code, config, and authority descriptors. If
	// zero, DefaultMaxDescriptorSize is used.
	MaxDescriptorSize int
}

// MainFlow runs [Engine.MainFlow] with default limits.
func MainFlow(ops Ops, current *CDIs, input *InputValues, certificate []byte) (next CDIs, n int, err error) {
	return (&Engine{Ops: ops}).MainFlow(current, input, certificate)
}

// MainFlow derives the next stage's CDIs from the current stage's CDIs and the
// next stage's input values, and writes a certificate for the next stage,
// signed by the current stage, into certificate.
//
// On success, n is the size of the certificate. If certificate is too small,
// ErrBufferTooSmall is returned and n is the size required. On any error,
// next is zero and no usable certificate is written.
//
// Every intermediate secret is cleared with Ops.ClearMemory before returning.
// The caller is responsible for clearing current and, on success, next.
func (e *Engine) MainFlow(current *CDIs, input *InputValues, certificate []byte) (next CDIs, n int, err error) {
	if e.Ops == nil {
		panic("dice: engine has no ops")
	}
	if current == nil {
		return CDIs{}, 0, invalidInput("missing current CDIs")
	}
	if err := input.Validate(e.MaxDescriptorSize); err != nil {
		return CDIs{}, 0, err
	}

	f := &flow{ops: e.Ops}
	defer func() {
		failed := f.state
		f.scrub()
		if err != nil {
			f.state = stateError
			slog.Debug("dice: main flow failed", "state", failed, "result", ResultOf(err))
			return
		}
		f.state = stateDone
	}()

	// Hash descriptors and the input values
	f.state = stateHashing
	if err := f.hashInputValues(input); err != nil {
		return CDIs{}, 0, err
	}

	// Derive the authority key seed and the next CDIs
	f.state = stateDeriving
	if err := deriveSeed(f.ops, &current.Attest, &f.authoritySeed); err != nil {
		return CDIs{}, 0, err
	}
	if err := f.ops.KDF(f.next.Attest[:], current.Attest[:], f.attestDigest[:], []byte(attestInfo)); err != nil {
		return CDIs{}, 0, platformError("derive attestation CDI", err)
	}
	if err := f.ops.KDF(f.next.Seal[:], current.Seal[:], f.sealDigest[:], []byte(sealInfo)); err != nil {
		return CDIs{}, 0, platformError("derive sealing CDI", err)
	}
	if err := deriveSeed(f.ops, &f.next.Attest, &f.subjectSeed); err != nil {
		return CDIs{}, 0, err
	}

	// Key generation, claims, and signing
	n, err = f.generateCertificate(&f.subjectSeed, &f.authoritySeed, input, certificate)
	if err != nil {
		if errors.Is(err, ErrBufferTooSmall) {
			return CDIs{}, n, err
		}
		return CDIs{}, 0, err
	}

	next = f.next
	return next, n, nil
}

type flowState uint8

const (
	stateStart flowState = iota
	stateHashing
	stateDeriving
	stateKeyGenerating
	stateClaimsBuilding
	stateSigning
	stateScrubbing
	stateDone
	stateError
)

func (s flowState) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateHashing:
		return "hashing"
	case stateDeriving:
		return "deriving"
	case stateKeyGenerating:
		return "key-generating"
	case stateClaimsBuilding:
		return "claims-building"
	case stateSigning:
		return "signing"
	case stateScrubbing:
		return "scrubbing"
	case stateDone:
		return "done"
	case stateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// flow holds the scratch values of a single call. Everything in it is
// overwritten by scrub.
type flow struct {
	ops   Ops
	state flowState

	config       Digest // inline config value or hash of the config descriptor
	attestDigest Digest
	sealDigest   Digest

	authoritySeed PrivateKeySeed
	subjectSeed   PrivateKeySeed
	next          CDIs

	authorityPublicKey  [PublicKeyMaxSize]byte
	authorityPrivateKey [PrivateKeyMaxSize]byte
	subjectPublicKey    [PublicKeyMaxSize]byte
	subjectPrivateKey   [PrivateKeyMaxSize]byte
}

// scrub is the last state entered on every return from a flow.
func (f *flow) scrub() {
	f.state = stateScrubbing
	for _, b := range [][]byte{
		f.config[:],
		f.attestDigest[:],
		f.sealDigest[:],
		f.authoritySeed[:],
		f.subjectSeed[:],
		f.next.Attest[:],
		f.next.Seal[:],
		f.authorityPrivateKey[:],
		f.subjectPrivateKey[:],
	} {
		f.ops.ClearMemory(b)
	}
}

// configValue sets f.config to the value used for both derivation and the
// certificate, hashing the config descriptor if necessary.
func (f *flow) configValue(input *InputValues) error {
	switch cfg := input.Config.(type) {
	case InlineConfig:
		f.config = Digest(cfg)
	case *InlineConfig:
		f.config = Digest(*cfg)
	case *DescriptorConfig:
		if len(cfg.Descriptor) == 0 {
			f.config = cfg.Digest
			return nil
		}
		if err := f.ops.Hash(cfg.Descriptor, &f.config); err != nil {
			return platformError("hash config descriptor", err)
		}
	default:
		return invalidInput("missing config")
	}
	return nil
}

// hashInputValues computes the digests used as KDF salts.
//
// The attestation input covers every measurement:
//
//	code_hash || config || authority_hash || mode || hidden
//	  [|| H(code_descriptor)] [|| H(authority_descriptor)]
//
// Descriptor digests are appended only when the descriptor is non-empty, so
// inputs without descriptors derive the same CDIs as other Open DICE
// implementations. The sealing input omits the code and config so that sealed
// data survives updates from the same authority:
//
//	authority_hash || mode || hidden
func (f *flow) hashInputValues(input *InputValues) error {
	if err := f.configValue(input); err != nil {
		return err
	}

	buf := make([]byte, 0, 4*HashSize+InlineConfigSize+1+HiddenSize)
	defer func() { f.ops.ClearMemory(buf[:cap(buf)]) }()

	buf = append(buf, input.CodeHash[:]...)
	buf = append(buf, f.config[:]...)
	buf = append(buf, input.AuthorityHash[:]...)
	buf = append(buf, byte(input.Mode))
	buf = append(buf, input.Hidden[:]...)
	for _, desc := range []struct {
		name string
		data []byte
	}{
		{"code descriptor", input.CodeDescriptor},
		{"authority descriptor", input.AuthorityDescriptor},
	} {
		if len(desc.data) == 0 {
			continue
		}
		var digest Digest
		if err := f.ops.Hash(desc.data, &digest); err != nil {
			return platformError("hash "+desc.name, err)
		}
		buf = append(buf, digest[:]...)
	}
	if err := f.ops.Hash(buf, &f.attestDigest); err != nil {
		return platformError("hash attestation input", err)
	}

	seal := buf[:0]
	seal = append(seal, input.AuthorityHash[:]...)
	seal = append(seal, byte(input.Mode))
	seal = append(seal, input.Hidden[:]...)
	if err := f.ops.Hash(seal, &f.sealDigest); err != nil {
		return platformError("hash sealing input", err)
	}
	return nil
}

// HashInputValues runs [Engine.HashInputValues] with default limits.
func HashInputValues(ops Ops, input *InputValues) (attest, seal Digest, err error) {
	return (&Engine{Ops: ops}).HashInputValues(input)
}

// HashInputValues returns the KDF salts used to derive the next attestation
// and sealing CDIs from input. Input is validated with the same limits as
// MainFlow.
func (e *Engine) HashInputValues(input *InputValues) (attest, seal Digest, err error) {
	if err := input.Validate(e.MaxDescriptorSize); err != nil {
		return Digest{}, Digest{}, err
	}
	f := &flow{ops: e.Ops}
	defer f.scrub()
	if err := f.hashInputValues(input); err != nil {
		return Digest{}, Digest{}, err
	}
	return f.attestDigest, f.sealDigest, nil
}

func deriveSeed(ops Ops, cdi *CDI, seed *PrivateKeySeed) error {
	if err := ops.KDF(seed[:], cdi[:], asymSalt[:], []byte(keyPairInfo)); err != nil {
		return platformError("derive private key seed", err)
	}
	return nil
}

// DeriveCdiPrivateKeySeed derives the seed of the key pair identifying the
// stage holding cdiAttest. The seed is a secret.
func DeriveCdiPrivateKeySeed(ops Ops, cdiAttest *CDI) (seed PrivateKeySeed, err error) {
	if err := deriveSeed(ops, cdiAttest, &seed); err != nil {
		return PrivateKeySeed{}, err
	}
	return seed, nil
}

// DeriveCdiCertificateID derives the identifier of a public key, which is used
// as the certificate issuer and subject. The top bit is always clear so that
// the ID may also be used as a positive serial number.
func DeriveCdiCertificateID(ops Ops, publicKey []byte) (id ID, err error) {
	if err := ops.KDF(id[:], publicKey, idSalt[:], []byte(idInfo)); err != nil {
		return ID{}, platformError("derive certificate ID", err)
	}
	id[0] &^= 0x80
	return id, nil
}

// CdiPublicKey returns the public key of the stage holding cdiAttest. For the
// UDS, this is the root of trust for every chain the device produces.
func CdiPublicKey(ops Ops, cdiAttest *CDI) ([]byte, error) {
	f := &flow{ops: ops}
	defer f.scrub()

	if err := deriveSeed(ops, cdiAttest, &f.subjectSeed); err != nil {
		return nil, err
	}
	pubSize, _, err := ops.KeypairFromSeed(&f.subjectSeed, &f.subjectPublicKey, &f.subjectPrivateKey)
	if err != nil {
		return nil, platformError("key pair from seed", err)
	}
	if pubSize <= 0 || pubSize > PublicKeyMaxSize {
		return nil, fmt.Errorf("%w: public key size %d out of range", ErrPlatform, pubSize)
	}
	return append([]byte(nil), f.subjectPublicKey[:pubSize]...), nil
}
