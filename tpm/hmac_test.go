// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm_test

import (
	"bytes"
	"testing"

	"github.com/google/go-tpm/tpm2/transport/simulator"

	"github.com/fido-device-onboard/go-dice"
	"github.com/fido-device-onboard/go-dice/tpm"
)

func TestDeriveUDS(t *testing.T) {
	sim, err := simulator.OpenSimulator()
	if err != nil {
		t.Fatalf("error opening opening TPM simulator: %v", err)
	}
	defer func() {
		if err := sim.Close(); err != nil {
			t.Error(err)
		}
	}()

	label := []byte("ThanksForAllTheFish")
	expected, err := tpm.DeriveUDS(sim, label)
	if err != nil {
		t.Fatal(err)
	}
	if expected == (dice.CDI{}) {
		t.Fatal("UDS is zero")
	}

	// Key is not exported so we compare the results by running the same calculation twice
	t.Run("deterministic", func(t *testing.T) {
		got, err := tpm.DeriveUDS(sim, label)
		if err != nil {
			t.Fatal(err)
		}
		if got != expected {
			t.Errorf("got %x, expected %x", got, expected)
		}
	})

	t.Run("label", func(t *testing.T) {
		got, err := tpm.DeriveUDS(sim, []byte("ThanksForAllTheFish!"))
		if err != nil {
			t.Fatal(err)
		}
		if got == expected {
			t.Error("different labels derived the same UDS")
		}
	})

	t.Run("long label", func(t *testing.T) {
		// Longer than the TPM input buffer, so the HMAC takes several updates
		long := bytes.Repeat(label, 300)
		uds1, err := tpm.DeriveUDS(sim, long)
		if err != nil {
			t.Fatal(err)
		}
		uds2, err := tpm.DeriveUDS(sim, long)
		if err != nil {
			t.Fatal(err)
		}
		if uds1 != uds2 {
			t.Errorf("got %x, then %x", uds1, uds2)
		}
		if uds1 == expected {
			t.Error("different labels derived the same UDS")
		}
	})
}
