// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/fido-device-onboard/go-dice"
	"github.com/fido-device-onboard/go-dice/evidence"
)

var evidenceFlags = flag.NewFlagSet("evidence", flag.ContinueOnError)

var (
	evidenceDB     string
	evidenceDBPass string
	evidenceID     string
	evidenceOut    string
	evidenceRemove bool
)

func init() {
	evidenceFlags.StringVar(&evidenceDB, "db", "", "SQLite database file path")
	evidenceFlags.StringVar(&evidenceDBPass, "db-pass", "", "SQLite database encryption-at-rest passphrase")
	evidenceFlags.StringVar(&evidenceID, "id", "", "Device `id` to export")
	evidenceFlags.StringVar(&evidenceOut, "out", "-", "Evidence output `file` (- for stdout)")
	evidenceFlags.BoolVar(&evidenceRemove, "remove", false, "Remove the device from the database after exporting")
	evidenceFlags.BoolVar(&debug, "debug", debug, "Print SQL queries")
}

// exportEvidence reads a stored chain and writes it as evidence.
func exportEvidence() error {
	if evidenceDB == "" {
		return fmt.Errorf("-db is required")
	}
	id, err := parseID(evidenceID)
	if err != nil {
		return err
	}
	state, closeState, err := openState(evidenceDB, evidenceDBPass)
	if err != nil {
		return err
	}
	defer func() { _ = closeState() }()

	ctx := context.Background()
	bundle, err := loadBundle(ctx, state, id)
	if err != nil {
		return err
	}
	data, err := evidence.Wrap(bundle)
	if err != nil {
		return err
	}
	if err := writeOutput(evidenceOut, data); err != nil {
		return err
	}

	if evidenceRemove {
		if err := state.RemoveDevice(ctx, id); err != nil {
			return fmt.Errorf("error removing device %s: %w", id, err)
		}
	}
	return nil
}

func loadBundle(ctx context.Context, state dice.ChainState, id dice.ID) (*evidence.Bundle, error) {
	root, err := state.DevicePublicKey(ctx, id)
	if err != nil {
		return nil, err
	}
	certs, err := state.Certificates(ctx, id)
	if err != nil {
		return nil, err
	}
	return &evidence.Bundle{RootPublicKey: root, Certificates: certs}, nil
}
