// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package dicetest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/fido-device-onboard/go-dice"
	"github.com/fido-device-onboard/go-dice/ops"
)

// RunChainStateSuite is used to test different implementations of
// dice.ChainState.
func RunChainStateSuite(t *testing.T, state dice.ChainState) {
	ctx := context.Background()
	var cryptoOps ops.Ed25519

	uds := UDS(1)
	result, err := dice.Chain(cryptoOps, &uds, Layers(3))
	if err != nil {
		t.Fatal(err)
	}
	defer result.Clear(cryptoOps)
	id, err := dice.DeriveCdiCertificateID(cryptoOps, result.RootPublicKey)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("Unknown", func(t *testing.T) {
		var unknown dice.ID
		if _, err := state.DevicePublicKey(ctx, unknown); !errors.Is(err, dice.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for public key, got %v", err)
		}
		if _, err := state.Certificates(ctx, unknown); !errors.Is(err, dice.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for certificates, got %v", err)
		}
		if _, err := state.AppendCertificate(ctx, unknown, []byte{0x80}); !errors.Is(err, dice.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for append, got %v", err)
		}
		if err := state.RemoveDevice(ctx, unknown); !errors.Is(err, dice.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for remove, got %v", err)
		}
	})

	t.Run("AddDevice", func(t *testing.T) {
		if err := state.AddDevice(ctx, id, result.RootPublicKey); err != nil {
			t.Fatal(err)
		}
		got, err := state.DevicePublicKey(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, result.RootPublicKey) {
			t.Fatalf("public key: expected %x, got %x", result.RootPublicKey, got)
		}
		certs, err := state.Certificates(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(certs) != 0 {
			t.Fatalf("expected no certificates for a new device, got %d", len(certs))
		}
	})

	t.Run("AppendCertificate", func(t *testing.T) {
		for i, cert := range result.Certificates {
			layer, err := state.AppendCertificate(ctx, id, cert)
			if err != nil {
				t.Fatal(err)
			}
			if layer != i {
				t.Fatalf("expected layer %d, got %d", i, layer)
			}
		}
		certs, err := state.Certificates(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(certs) != len(result.Certificates) {
			t.Fatalf("expected %d certificates, got %d", len(result.Certificates), len(certs))
		}
		for i := range certs {
			if !bytes.Equal(certs[i], result.Certificates[i]) {
				t.Fatalf("certificate %d does not match", i)
			}
		}
	})

	t.Run("VerifyStoredChain", func(t *testing.T) {
		claims, err := dice.VerifyStoredChain(ctx, cryptoOps, state, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(claims) != len(result.Certificates) {
			t.Fatalf("expected %d claims, got %d", len(result.Certificates), len(claims))
		}
		if claims[0].Issuer != id {
			t.Fatalf("expected first issuer %s, got %s", id, claims[0].Issuer)
		}
	})

	t.Run("ReplaceDevice", func(t *testing.T) {
		if err := state.AddDevice(ctx, id, result.RootPublicKey); err != nil {
			t.Fatal(err)
		}
		certs, err := state.Certificates(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(certs) != 0 {
			t.Fatalf("expected re-adding a device to remove its certificates, got %d", len(certs))
		}
	})

	t.Run("RemoveDevice", func(t *testing.T) {
		if _, err := state.AppendCertificate(ctx, id, result.Certificates[0]); err != nil {
			t.Fatal(err)
		}
		if err := state.RemoveDevice(ctx, id); err != nil {
			t.Fatal(err)
		}
		if _, err := state.DevicePublicKey(ctx, id); !errors.Is(err, dice.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after remove, got %v", err)
		}
		if _, err := state.Certificates(ctx, id); !errors.Is(err, dice.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for certificates after remove, got %v", err)
		}
	})
}
