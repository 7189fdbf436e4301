// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package sqlite_test

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/fido-device-onboard/go-dice"
	"github.com/fido-device-onboard/go-dice/dicetest"
	"github.com/fido-device-onboard/go-dice/ops"
	"github.com/fido-device-onboard/go-dice/sqlite"
)

func TestChainState(t *testing.T) {
	for _, test := range []struct {
		name     string
		password string
	}{
		{"plain", ""},
		{"encrypted", "test_password"},
	} {
		t.Run(test.name, func(t *testing.T) {
			state := newDB(t, filepath.Join(t.TempDir(), "db.test"), test.password)
			dicetest.RunChainStateSuite(t, state)
		})
	}
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.test")
	var cryptoOps ops.Ed25519

	uds := dicetest.UDS(9)
	result, err := dice.Chain(cryptoOps, &uds, dicetest.Layers(2))
	if err != nil {
		t.Fatal(err)
	}
	defer result.Clear(cryptoOps)
	id, err := dice.DeriveCdiCertificateID(cryptoOps, result.RootPublicKey)
	if err != nil {
		t.Fatal(err)
	}

	state := newDB(t, path, "test_password")
	if err := state.AddDevice(ctx, id, result.RootPublicKey); err != nil {
		t.Fatal(err)
	}
	for _, cert := range result.Certificates {
		if _, err := state.AppendCertificate(ctx, id, cert); err != nil {
			t.Fatal(err)
		}
	}
	if err := state.Close(); err != nil {
		t.Fatal(err)
	}

	t.Run("reopen", func(t *testing.T) {
		state := newDB(t, path, "test_password")
		claims, err := dice.VerifyStoredChain(ctx, cryptoOps, state, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(claims) != 2 {
			t.Fatalf("expected 2 layers, got %d", len(claims))
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		if state, err := sqlite.Open(path, "wrong_password"); err == nil {
			_ = state.Close()
			t.Fatal("expected error opening with the wrong password")
		}
	})
}

func TestConcurrentAppend(t *testing.T) {
	const writers = 8
	ctx := context.Background()
	state := newDB(t, filepath.Join(t.TempDir(), "db.test"), "")
	if n := state.DB().Stats().MaxOpenConnections; n != 1 {
		t.Fatalf("expected a single connection, got %d", n)
	}

	var id dice.ID
	id[19] = 1
	if err := state.AddDevice(ctx, id, []byte("first key")); err != nil {
		t.Fatal(err)
	}
	// Re-adding a device replaces its key
	if err := state.AddDevice(ctx, id, []byte("root key")); err != nil {
		t.Fatal(err)
	}
	if key, err := state.DevicePublicKey(ctx, id); err != nil {
		t.Fatal(err)
	} else if string(key) != "root key" {
		t.Fatalf("expected replaced key, got %q", key)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		layers []int
	)
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			layer, err := state.AppendCertificate(ctx, id, []byte{byte(i)})
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			layers = append(layers, layer)
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	slices.Sort(layers)
	for i, layer := range layers {
		if layer != i {
			t.Fatalf("expected layers 0 to %d, got %v", writers-1, layers)
		}
	}
}

func newDB(t *testing.T, path, password string) *sqlite.DB {
	t.Helper()
	state, err := sqlite.Open(path, password)
	if err != nil {
		t.Fatal(err)
	}
	state.DebugLog = dicetest.TestingLog(t)
	t.Cleanup(func() { _ = state.Close() })
	return state
}
