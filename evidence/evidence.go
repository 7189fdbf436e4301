// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package evidence carries a DICE certificate chain to a verifier as a
// Conceptual Message Wrapper (CMW) monad.
package evidence

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/cmw"

	"github.com/fido-device-onboard/go-dice"
)

// MediaType identifies a CBOR encoded Bundle inside a CMW.
const MediaType = "application/vnd.fdo.dice-chain+cbor"

// Bundle is the root public key of a device and its certificates, ordered
// from the layer nearest the root.
type Bundle struct {
	RootPublicKey []byte   `cbor:"1,keyasint"`
	Certificates  [][]byte `cbor:"2,keyasint"`
}

// Verify checks every certificate of the bundle against its issuer and
// returns the claims of each layer.
func (b *Bundle) Verify(ops dice.Ops) ([]*dice.Claims, error) {
	return dice.VerifyChain(ops, b.RootPublicKey, b.Certificates)
}

// Wrap encodes a bundle and wraps it in a CBOR CMW monad.
func Wrap(b *Bundle) ([]byte, error) {
	if b == nil || len(b.RootPublicKey) == 0 {
		return nil, errors.New("evidence: missing root public key")
	}
	payload, err := cbor.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("evidence: encode bundle: %w", err)
	}
	wrapper, err := cmw.NewMonad(MediaType, payload)
	if err != nil {
		return nil, fmt.Errorf("evidence: create CMW: %w", err)
	}
	out, err := wrapper.MarshalCBOR()
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal CMW: %w", err)
	}
	return out, nil
}

// Unwrap decodes a CBOR CMW monad produced by Wrap.
func Unwrap(data []byte) (*Bundle, error) {
	var wrapper cmw.CMW
	if err := wrapper.UnmarshalCBOR(data); err != nil {
		return nil, fmt.Errorf("evidence: unmarshal CMW: %w", err)
	}
	mediaType, err := wrapper.GetMonadType()
	if err != nil {
		return nil, fmt.Errorf("evidence: get CMW media type: %w", err)
	}
	if mediaType != MediaType {
		return nil, fmt.Errorf("evidence: invalid media type: got %q, want %q", mediaType, MediaType)
	}
	payload, err := wrapper.GetMonadValue()
	if err != nil {
		return nil, fmt.Errorf("evidence: get CMW value: %w", err)
	}

	var b Bundle
	if err := cbor.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("evidence: decode bundle: %w", err)
	}
	if len(b.RootPublicKey) == 0 {
		return nil, errors.New("evidence: missing root public key")
	}
	return &b, nil
}
