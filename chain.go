// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package dice

import (
	"errors"
	"fmt"
	"log/slog"
)

// initialCertificateSize is large enough for a certificate without
// descriptors. Larger certificates are retried at their reported size.
const initialCertificateSize = 512

// ChainResult is the outcome of running every layer of a boot chain.
type ChainResult struct {
	// RootPublicKey is the public key derived from the UDS. It verifies the
	// first certificate.
	RootPublicKey []byte

	// Certificates has one certificate per layer, each signed by the
	// previous layer.
	Certificates [][]byte

	// CDIs of the last layer. These are secrets and must be cleared with
	// Clear once they are no longer needed.
	CDIs CDIs
}

// Clear overwrites the final CDIs.
func (r *ChainResult) Clear(ops Ops) { r.CDIs.Clear(ops) }

// Chain runs [MainFlow] once for each layer, starting from the UDS, which is
// used as both the attestation and sealing CDI of the first stage. The CDIs
// of every intermediate layer are cleared before Chain returns.
func (e *Engine) Chain(uds *CDI, layers []InputValues) (*ChainResult, error) {
	if uds == nil {
		return nil, invalidInput("missing UDS")
	}
	if len(layers) == 0 {
		return nil, invalidInput("no layers")
	}

	root, err := CdiPublicKey(e.Ops, uds)
	if err != nil {
		return nil, err
	}
	result := &ChainResult{RootPublicKey: root}

	current := CDIs{Attest: *uds, Seal: *uds}
	defer current.Clear(e.Ops)

	for i := range layers {
		next, cert, err := e.layer(&current, &layers[i])
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		result.Certificates = append(result.Certificates, cert)
		current.Clear(e.Ops)
		current = next
		next.Clear(e.Ops)
		slog.Debug("dice: derived layer", "layer", i, "certificate size", len(cert))
	}

	result.CDIs = current
	return result, nil
}

// layer runs MainFlow for one layer, retrying once if the certificate did not
// fit.
func (e *Engine) layer(current *CDIs, input *InputValues) (CDIs, []byte, error) {
	cert := make([]byte, initialCertificateSize)
	next, n, err := e.MainFlow(current, input, cert)
	if errors.Is(err, ErrBufferTooSmall) {
		cert = make([]byte, n)
		next, n, err = e.MainFlow(current, input, cert)
	}
	if err != nil {
		return CDIs{}, nil, err
	}
	return next, cert[:n], nil
}

// Chain runs [Engine.Chain] with default limits.
func Chain(ops Ops, uds *CDI, layers []InputValues) (*ChainResult, error) {
	return (&Engine{Ops: ops}).Chain(uds, layers)
}
