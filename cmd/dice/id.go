// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"encoding/hex"
	"flag"
	"fmt"

	"github.com/fido-device-onboard/go-dice"
	"github.com/fido-device-onboard/go-dice/evidence"
	"github.com/fido-device-onboard/go-dice/ops"
)

var idFlags = flag.NewFlagSet("id", flag.ContinueOnError)

var (
	idUDS       udsFlags
	idIn        string
	idPublicKey bool
)

func init() {
	idUDS.register(idFlags)
	idFlags.StringVar(&idIn, "in", "", "Evidence `file` to read the root public key from instead of a UDS")
	idFlags.BoolVar(&idPublicKey, "public-key", false, "Also print the root public key")
	idFlags.BoolVar(&debug, "debug", debug, "Print TPM operations")
}

// printID prints the device ID, which identifies the key pair derived from
// the UDS.
func printID() error {
	var cryptoOps ops.Ed25519

	var (
		root []byte
		err  error
	)
	switch {
	case idIn != "" && idUDS.Source != "":
		return fmt.Errorf("-in and -uds are mutually exclusive")
	case idIn != "":
		var data []byte
		if data, err = readInput(idIn); err != nil {
			return fmt.Errorf("error reading evidence: %w", err)
		}
		bundle, err := evidence.Unwrap(data)
		if err != nil {
			return err
		}
		root = bundle.RootPublicKey
	default:
		uds, err := idUDS.load()
		if err != nil {
			return err
		}
		root, err = dice.CdiPublicKey(cryptoOps, &uds)
		cryptoOps.ClearMemory(uds[:])
		if err != nil {
			return err
		}
	}

	id, err := dice.DeriveCdiCertificateID(cryptoOps, root)
	if err != nil {
		return err
	}
	fmt.Println(id)
	if idPublicKey {
		fmt.Println(hex.EncodeToString(root))
	}
	return nil
}
