// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package dice

import (
	"encoding/hex"
	"fmt"
)

// Sizes of the fixed-size values shared by the flow and every Ops
// implementation.
const (
	CDISize            = 32
	HashSize           = 64
	HiddenSize         = 64
	InlineConfigSize   = 64
	PrivateKeySeedSize = 32
	IDSize             = 20
	PublicKeyMaxSize   = 32
	PrivateKeyMaxSize  = 64
	SignatureSize      = 64
)

// DefaultMaxDescriptorSize is the limit applied to each descriptor when an
// Engine does not set one.
const DefaultMaxDescriptorSize = 1024

// CDI is a Compound Device Identifier. It is a secret and should be cleared
// with [Ops.ClearMemory] once it is no longer needed.
type CDI [CDISize]byte

// CDIs are the two secrets held by each stage. Attest is used to derive the
// stage's identity key pair and Seal is used to derive sealing keys, which
// are stable across code updates signed by the same authority.
type CDIs struct {
	Attest CDI
	Seal   CDI
}

// Clear overwrites both CDIs.
func (c *CDIs) Clear(ops Ops) {
	ops.ClearMemory(c.Attest[:])
	ops.ClearMemory(c.Seal[:])
}

// Digest is the output of [Ops.Hash].
type Digest [HashSize]byte

// Hidden is a value which is mixed into the attestation and sealing CDIs but
// never appears in a certificate.
type Hidden [HiddenSize]byte

// PrivateKeySeed deterministically produces a key pair. It is as sensitive as
// the private key it produces.
type PrivateKeySeed [PrivateKeySeedSize]byte

// ID identifies a public key. It is derived with [DeriveCdiCertificateID].
type ID [IDSize]byte

// String encodes the ID as lowercase hex, as it appears in certificate issuer
// and subject claims.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Mode is the security mode of a stage.
type Mode uint8

// Modes
const (
	ModeNotConfigured Mode = 0
	ModeNormal        Mode = 1
	ModeDebug         Mode = 2
	ModeRecovery      Mode = 3
)

// Valid reports whether the mode is one of the defined modes.
func (m Mode) Valid() bool { return m <= ModeRecovery }

func (m Mode) String() string {
	switch m {
	case ModeNotConfigured:
		return "not-configured"
	case ModeNormal:
		return "normal"
	case ModeDebug:
		return "debug"
	case ModeRecovery:
		return "recovery"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseMode parses the output of Mode.String.
func ParseMode(s string) (Mode, error) {
	for m := ModeNotConfigured; m.Valid(); m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, invalidInput("unknown mode %q", s)
}

// Config is the configuration of a stage. It is either an [InlineConfig] or a
// [DescriptorConfig].
type Config interface {
	isConfig()
}

// InlineConfig is a fixed-size configuration value which is used directly in
// derivation and appears verbatim in the certificate.
type InlineConfig [InlineConfigSize]byte

func (InlineConfig) isConfig() {}

// DescriptorConfig is configuration which is described by a variable-length
// descriptor. If Descriptor is non-empty, its hash is used and Digest is
// ignored. Otherwise Digest is used as given.
type DescriptorConfig struct {
	Digest     Digest
	Descriptor []byte
}

func (*DescriptorConfig) isConfig() {}

// InputValues are the measurements of the next stage. They are not modified
// by any operation.
type InputValues struct {
	CodeHash            Digest
	CodeDescriptor      []byte
	Config              Config
	AuthorityHash       Digest
	AuthorityDescriptor []byte
	Mode                Mode
	Hidden              Hidden
}

// Validate checks the shape of the input values. Descriptors may be at most
// maxDescriptorSize bytes; if it is zero or less, DefaultMaxDescriptorSize is
// used.
func (in *InputValues) Validate(maxDescriptorSize int) error {
	if in == nil {
		return invalidInput("missing input values")
	}
	if maxDescriptorSize <= 0 {
		maxDescriptorSize = DefaultMaxDescriptorSize
	}
	if !in.Mode.Valid() {
		return invalidInput("unrecognized %s", in.Mode)
	}
	if len(in.CodeDescriptor) > maxDescriptorSize {
		return invalidInput("code descriptor is %d bytes, limit is %d", len(in.CodeDescriptor), maxDescriptorSize)
	}
	if len(in.AuthorityDescriptor) > maxDescriptorSize {
		return invalidInput("authority descriptor is %d bytes, limit is %d", len(in.AuthorityDescriptor), maxDescriptorSize)
	}
	switch cfg := in.Config.(type) {
	case InlineConfig:
	case *InlineConfig:
		if cfg == nil {
			return invalidInput("missing config")
		}
	case *DescriptorConfig:
		if cfg == nil {
			return invalidInput("missing config")
		}
		if len(cfg.Descriptor) > maxDescriptorSize {
			return invalidInput("config descriptor is %d bytes, limit is %d", len(cfg.Descriptor), maxDescriptorSize)
		}
	default:
		return invalidInput("missing config")
	}
	return nil
}
