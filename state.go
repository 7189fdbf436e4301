// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package dice

import "context"

/*
	ChainState is held by a verifier, not by a device. CDIs and private key
	seeds never cross this interface; only root public keys and certificates,
	which are safe to store in the clear, are persisted.
*/

// ChainState maintains the root public keys of known devices and the
// certificate chains they have reported.
type ChainState interface {
	// AddDevice registers the root public key of a device, which is derived
	// from its UDS with [CdiPublicKey]. The device is identified by the ID of
	// that key. Adding a device which already exists replaces its key and
	// removes its certificates.
	AddDevice(ctx context.Context, id ID, rootPublicKey []byte) error

	// DevicePublicKey returns the root public key of a device. If the device
	// is not known, ErrNotFound is returned.
	DevicePublicKey(ctx context.Context, id ID) ([]byte, error)

	// AppendCertificate stores the certificate of the next layer of a device
	// and returns its layer index, starting at zero. If the device is not
	// known, ErrNotFound is returned.
	AppendCertificate(ctx context.Context, id ID, cert []byte) (layer int, err error)

	// Certificates returns the certificates of a device in layer order. If the
	// device is not known, ErrNotFound is returned.
	Certificates(ctx context.Context, id ID) ([][]byte, error)

	// RemoveDevice deletes a device and its certificates. If the device is not
	// known, ErrNotFound is returned.
	RemoveDevice(ctx context.Context, id ID) error
}

// VerifyStoredChain loads the root public key and certificates of a device
// from state and verifies the chain.
func VerifyStoredChain(ctx context.Context, ops Ops, state ChainState, id ID) ([]*Claims, error) {
	root, err := state.DevicePublicKey(ctx, id)
	if err != nil {
		return nil, err
	}
	certs, err := state.Certificates(ctx, id)
	if err != nil {
		return nil, err
	}
	return VerifyChain(ops, root, certs)
}
