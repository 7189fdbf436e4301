// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/fido-device-onboard/go-dice"
	"github.com/fido-device-onboard/go-dice/evidence"
	"github.com/fido-device-onboard/go-dice/ops"
)

var verifyFlags = flag.NewFlagSet("verify", flag.ContinueOnError)

var (
	verifyIn     string
	verifyDB     string
	verifyDBPass string
	verifyID     string
)

func init() {
	verifyFlags.StringVar(&verifyIn, "in", "evidence.cbor", "Evidence `file` to verify (- for stdin)")
	verifyFlags.StringVar(&verifyDB, "db", "", "Verify a chain stored in this SQLite database instead of -in")
	verifyFlags.StringVar(&verifyDBPass, "db-pass", "", "SQLite database encryption-at-rest passphrase")
	verifyFlags.StringVar(&verifyID, "id", "", "Device `id` to verify (requires -db)")
	verifyFlags.BoolVar(&debug, "debug", debug, "Print SQL queries")
}

func verify() error {
	var cryptoOps ops.Ed25519

	var (
		claims []*dice.Claims
		err    error
	)
	if verifyDB != "" {
		claims, err = verifyStored(cryptoOps)
	} else {
		claims, err = verifyEvidence(cryptoOps)
	}
	if err != nil {
		return err
	}
	printClaims(os.Stdout, claims)
	return nil
}

func verifyEvidence(cryptoOps dice.Ops) ([]*dice.Claims, error) {
	data, err := readInput(verifyIn)
	if err != nil {
		return nil, fmt.Errorf("error reading evidence: %w", err)
	}
	bundle, err := evidence.Unwrap(data)
	if err != nil {
		return nil, err
	}
	return bundle.Verify(cryptoOps)
}

func verifyStored(cryptoOps dice.Ops) ([]*dice.Claims, error) {
	id, err := parseID(verifyID)
	if err != nil {
		return nil, err
	}
	state, closeState, err := openState(verifyDB, verifyDBPass)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeState() }()
	return dice.VerifyStoredChain(context.Background(), cryptoOps, state, id)
}

func parseID(s string) (id dice.ID, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid device id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("device id is %d bytes, expected %d", len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

func printClaims(w io.Writer, claims []*dice.Claims) {
	for i, c := range claims {
		_, _ = fmt.Fprintf(w, "Layer %d\n", i)
		_, _ = fmt.Fprintf(w, "  Issuer:          %s\n", c.Issuer)
		_, _ = fmt.Fprintf(w, "  Subject:         %s\n", c.Subject)
		_, _ = fmt.Fprintf(w, "  Mode:            %s\n", c.Mode)
		_, _ = fmt.Fprintf(w, "  Code hash:       %x\n", c.CodeHash)
		if len(c.CodeDescriptor) > 0 {
			_, _ = fmt.Fprintf(w, "  Code descriptor: %q\n", c.CodeDescriptor)
		}
		switch cfg := c.Config.(type) {
		case dice.InlineConfig:
			_, _ = fmt.Fprintf(w, "  Config:          %x\n", cfg[:])
		case *dice.DescriptorConfig:
			_, _ = fmt.Fprintf(w, "  Config hash:     %x\n", cfg.Digest)
			if len(cfg.Descriptor) > 0 {
				_, _ = fmt.Fprintf(w, "  Config desc:     %q\n", cfg.Descriptor)
			}
		}
		_, _ = fmt.Fprintf(w, "  Authority hash:  %x\n", c.AuthorityHash)
		if len(c.AuthorityDescriptor) > 0 {
			_, _ = fmt.Fprintf(w, "  Authority desc:  %q\n", c.AuthorityDescriptor)
		}
		_, _ = fmt.Fprintf(w, "  Public key:      %x\n", c.SubjectPublicKey)
	}
}
