// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"crypto"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/fido-device-onboard/go-dice"
	"github.com/fido-device-onboard/go-dice/tpm"
)

const tpmSimulatorPath = "simulator"

// udsFlags are shared by every subcommand which reads a UDS.
type udsFlags struct {
	Source  string
	Label   string
	NVIndex uint32
	Seal    bool
	PCRs    string
}

func (u *udsFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&u.Source, "uds", "", "UDS `source`: file:PATH, tpm:PATH, or tpm:simulator")
	fs.StringVar(&u.Label, "uds-label", "", "Label mixed into a TPM derived UDS")
	fs.Func("nv-index", "TPM NV `index` holding a PCR-bound UDS (0 derives the UDS instead)", u.parseNVIndex)
	fs.BoolVar(&u.Seal, "seal", false, "Generate a random UDS and store it at -nv-index before use")
	fs.StringVar(&u.PCRs, "pcrs", "sha256:0,1,7", "PCR `selection` an NV stored UDS is bound to")
}

func (u *udsFlags) parseNVIndex(s string) error {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid NV index: %w", err)
	}
	u.NVIndex = uint32(v)
	return nil
}

// load reads the UDS. The caller must clear it.
func (u *udsFlags) load() (uds dice.CDI, err error) {
	kind, path, ok := strings.Cut(u.Source, ":")
	if !ok || path == "" {
		return uds, fmt.Errorf("invalid UDS source %q", u.Source)
	}
	switch kind {
	case "file":
		if u.NVIndex != 0 || u.Seal {
			return uds, fmt.Errorf("-nv-index and -seal require a TPM UDS source")
		}
		return readUDSFile(path)
	case "tpm":
		return u.loadTPM(path)
	default:
		return uds, fmt.Errorf("unknown UDS source kind %q", kind)
	}
}

func readUDSFile(path string) (uds dice.CDI, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return uds, fmt.Errorf("error reading UDS file: %w", err)
	}
	defer clear(b)
	if len(b) != dice.CDISize {
		return uds, fmt.Errorf("UDS file %q is %d bytes, expected %d", path, len(b), dice.CDISize)
	}
	copy(uds[:], b)
	return uds, nil
}

func (u *udsFlags) loadTPM(path string) (uds dice.CDI, err error) {
	tpmc, err := tpmOpen(path)
	if err != nil {
		return uds, err
	}
	defer func() { _ = tpmc.Close() }()

	if u.NVIndex == 0 {
		if u.Seal {
			return uds, fmt.Errorf("-seal requires -nv-index")
		}
		slog.Debug("deriving UDS from TPM", "path", path)
		return tpm.DeriveUDS(tpmc, []byte(u.Label))
	}

	pcrs, err := parsePCRs(u.PCRs)
	if err != nil {
		return uds, err
	}
	if u.Seal {
		if _, err := rand.Read(uds[:]); err != nil {
			return uds, fmt.Errorf("error generating UDS: %w", err)
		}
		slog.Debug("storing UDS in TPM", "path", path, "index", fmt.Sprintf("0x%x", u.NVIndex))
		err := tpm.StoreUDS(tpmc, u.NVIndex, &uds, pcrs)
		clear(uds[:])
		if err != nil {
			return uds, err
		}
	}
	slog.Debug("loading UDS from TPM", "path", path, "index", fmt.Sprintf("0x%x", u.NVIndex))
	return tpm.LoadUDS(tpmc, u.NVIndex, pcrs)
}

// parsePCRs parses a selection such as "sha256:0,1,7+sha1:0". A bank with no
// slots selects all of its PCRs.
func parsePCRs(s string) (tpm.PCRList, error) {
	pcrs := make(tpm.PCRList)
	for _, bank := range strings.Split(s, "+") {
		alg, slots, _ := strings.Cut(bank, ":")
		var hash crypto.Hash
		switch strings.ToLower(alg) {
		case "sha1":
			hash = crypto.SHA1
		case "sha256":
			hash = crypto.SHA256
		case "sha384":
			hash = crypto.SHA384
		case "sha512":
			hash = crypto.SHA512
		default:
			return nil, fmt.Errorf("unsupported PCR bank %q", alg)
		}
		pcrs[hash] = []int{}
		if slots == "" {
			continue
		}
		for _, slot := range strings.Split(slots, ",") {
			n, err := strconv.Atoi(slot)
			if err != nil || n < 0 || n > 23 {
				return nil, fmt.Errorf("invalid PCR %q", slot)
			}
			pcrs[hash] = append(pcrs[hash], n)
		}
	}
	return pcrs, nil
}

func tpmOpen(tpmPath string) (tpm.Closer, error) {
	if tpmPath == tpmSimulatorPath {
		sim, err := simulator.GetWithFixedSeedInsecure(8086)
		if err != nil {
			return nil, err
		}
		return transport.FromReadWriteCloser(sim), nil
	}
	return tpm.Open(tpmPath)
}
