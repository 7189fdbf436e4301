// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm_test

import (
	"crypto"
	"testing"

	"github.com/google/go-tpm/tpm2/transport/simulator"

	"github.com/fido-device-onboard/go-dice/dicetest"
	"github.com/fido-device-onboard/go-dice/tpm"
)

func TestStoreUDS(t *testing.T) {
	pcrs := tpm.PCRList{
		crypto.SHA256: []int{1, 2, 3, 4},
	}
	const index = 0x0180000F

	withSimulator := func(t *testing.T, fn func(tpm.TPM)) {
		sim, err := simulator.OpenSimulator()
		if err != nil {
			t.Fatalf("error opening opening TPM simulator: %v", err)
		}
		defer func() {
			if err := sim.Close(); err != nil {
				t.Error(err)
			}
		}()
		fn(sim)
	}

	t.Run("Load missing", func(t *testing.T) {
		withSimulator(t, func(sim tpm.TPM) {
			if _, err := tpm.LoadUDS(sim, index, pcrs); err == nil {
				t.Error("expected error reading missing index")
			} else {
				t.Log(err)
			}
		})
	})

	t.Run("Store then load", func(t *testing.T) {
		withSimulator(t, func(sim tpm.TPM) {
			expect := dicetest.UDS(1)
			if err := tpm.StoreUDS(sim, index, &expect, pcrs); err != nil {
				t.Fatal(err)
			}
			got, err := tpm.LoadUDS(sim, index, pcrs)
			if err != nil {
				t.Fatal(err)
			}
			if got != expect {
				t.Fatalf("expected %x, got %x", expect, got)
			}
		})
	})

	t.Run("Store then replace then load", func(t *testing.T) {
		withSimulator(t, func(sim tpm.TPM) {
			first, expect := dicetest.UDS(1), dicetest.UDS(2)
			if err := tpm.StoreUDS(sim, index, &first, pcrs); err != nil {
				t.Fatal(err)
			}
			if err := tpm.StoreUDS(sim, index, &expect, pcrs); err != nil {
				t.Fatal(err)
			}
			got, err := tpm.LoadUDS(sim, index, pcrs)
			if err != nil {
				t.Fatal(err)
			}
			if got != expect {
				t.Fatalf("expected %x, got %x", expect, got)
			}
		})
	})

	t.Run("Store then load with bad policy", func(t *testing.T) {
		withSimulator(t, func(sim tpm.TPM) {
			uds := dicetest.UDS(1)
			if err := tpm.StoreUDS(sim, index, &uds, pcrs); err != nil {
				t.Fatal(err)
			}
			if _, err := tpm.LoadUDS(sim, index, tpm.PCRList{
				crypto.SHA256: []int{7},
			}); err == nil {
				t.Fatal("expected an error when reading with bad PCR selection")
			} else {
				t.Log(err)
			}
		})
	})

	for _, test := range []struct {
		name string
		pcrs tpm.PCRList
	}{
		{"multiple banks", tpm.PCRList{
			crypto.SHA256: []int{0, 1, 7},
			crypto.SHA1:   []int{0},
			crypto.SHA384: []int{2},
		}},
		{"whole bank", tpm.PCRList{
			crypto.SHA256: nil,
		}},
	} {
		t.Run("Store then load with "+test.name, func(t *testing.T) {
			withSimulator(t, func(sim tpm.TPM) {
				for i := range 20 {
					expect := dicetest.UDS(i)
					if err := tpm.StoreUDS(sim, index, &expect, test.pcrs); err != nil {
						t.Fatalf("store %d: %v", i, err)
					}
					got, err := tpm.LoadUDS(sim, index, test.pcrs)
					if err != nil {
						t.Fatalf("load %d: %v", i, err)
					}
					if got != expect {
						t.Fatalf("load %d: expected %x, got %x", i, expect, got)
					}
				}
			})
		})
	}
}
