// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fido-device-onboard/go-dice"
	"github.com/fido-device-onboard/go-dice/evidence"
	"github.com/fido-device-onboard/go-dice/internal/memory"
	"github.com/fido-device-onboard/go-dice/ops"
	"github.com/fido-device-onboard/go-dice/sqlite"
)

var bootFlags = flag.NewFlagSet("boot", flag.ContinueOnError)

var (
	bootUDS      udsFlags
	manifestPath string
	dbPath       string
	dbPass       string
	outPath      string
	maxDescSize  int
)

func init() {
	bootUDS.register(bootFlags)
	bootFlags.StringVar(&manifestPath, "manifest", "layers.yaml", "YAML `file` listing the measured layers")
	bootFlags.StringVar(&dbPath, "db", "", "SQLite database file path to record the chain in")
	bootFlags.StringVar(&dbPass, "db-pass", "", "SQLite database encryption-at-rest passphrase")
	bootFlags.StringVar(&outPath, "out", "evidence.cbor", "Evidence output `file` (- for stdout)")
	bootFlags.IntVar(&maxDescSize, "max-descriptor", dice.DefaultMaxDescriptorSize, "Maximum `size` of each descriptor")
	bootFlags.BoolVar(&debug, "debug", debug, "Print each layer as it is derived")
}

func boot() error {
	var cryptoOps ops.Ed25519

	inputs, err := readManifest(cryptoOps, manifestPath)
	if err != nil {
		return err
	}

	uds, err := bootUDS.load()
	if err != nil {
		return err
	}
	engine := &dice.Engine{Ops: cryptoOps, MaxDescriptorSize: maxDescSize}
	result, err := engine.Chain(&uds, inputs)
	cryptoOps.ClearMemory(uds[:])
	if err != nil {
		return err
	}
	defer result.Clear(cryptoOps)

	id, err := dice.DeriveCdiCertificateID(cryptoOps, result.RootPublicKey)
	if err != nil {
		return err
	}
	slog.Info("derived DICE chain", "device", id, "layers", len(result.Certificates))

	state, closeState, err := openState(dbPath, dbPass)
	if err != nil {
		return err
	}
	defer func() { _ = closeState() }()
	if err := record(context.Background(), cryptoOps, state, id, result); err != nil {
		return err
	}

	data, err := evidence.Wrap(&evidence.Bundle{
		RootPublicKey: result.RootPublicKey,
		Certificates:  result.Certificates,
	})
	if err != nil {
		return err
	}
	if err := writeOutput(outPath, data); err != nil {
		return err
	}

	// Keep stdout for the evidence alone
	idOut := stdout
	if outPath == "-" {
		idOut = stderr
	}
	_, _ = fmt.Fprintln(idOut, id)
	return nil
}

// openState opens the SQLite database or, if path is empty, a state which is
// discarded when the process exits.
func openState(path, password string) (dice.ChainState, func() error, error) {
	if path == "" {
		return memory.NewState(), func() error { return nil }, nil
	}
	db, err := sqlite.Open(path, password)
	if err != nil {
		return nil, nil, err
	}
	if debug {
		db.DebugLog = os.Stderr
	}
	return db, db.Close, nil
}

// record stores a chain and reads it back to verify that every certificate
// was issued by the layer before it.
func record(ctx context.Context, cryptoOps dice.Ops, state dice.ChainState, id dice.ID, result *dice.ChainResult) error {
	if err := state.AddDevice(ctx, id, result.RootPublicKey); err != nil {
		return fmt.Errorf("error adding device %s: %w", id, err)
	}
	for _, cert := range result.Certificates {
		layer, err := state.AppendCertificate(ctx, id, cert)
		if err != nil {
			return fmt.Errorf("error storing certificate: %w", err)
		}
		slog.Debug("stored certificate", "device", id, "layer", layer, "size", len(cert))
	}
	claims, err := dice.VerifyStoredChain(ctx, cryptoOps, state, id)
	if err != nil {
		return fmt.Errorf("stored chain failed verification: %w", err)
	}
	for i, c := range claims {
		slog.Debug("verified layer", "layer", i, "subject", c.Subject, "mode", c.Mode)
	}
	return nil
}

// writeOutput replaces path with data, or writes data to stdout if path is
// "-".
func writeOutput(path string, data []byte) error {
	if path == "-" {
		_, err := stdout.Write(data)
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "dice_evidence_*")
	if err != nil {
		return fmt.Errorf("error creating temp file for evidence: %w", err)
	}
	defer func() { _ = tmp.Close() }()
	if _, err := tmp.Write(data); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("error writing evidence: %w", err)
	}
	_ = tmp.Close()
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("error renaming temp evidence to %q: %w", path, err)
	}
	return nil
}

// readInput reads path, or stdin if path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
