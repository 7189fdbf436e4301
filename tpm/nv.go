// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm

import (
	"crypto"
	"fmt"
	"slices"

	"github.com/google/go-tpm/tpm2"

	"github.com/fido-device-onboard/go-dice"
)

var udsNVAttr = tpm2.TPMANV{
	OwnerRead:   true,
	OwnerWrite:  true,
	PolicyRead:  true,
	PolicyWrite: true,
}

// PCRList is a selection of PCRs which a stored UDS is bound to. An nil or
// zero length slice means all PCRs of that bank are used.
type PCRList map[crypto.Hash][]int

// pcrBanks is the order in which banks are selected. A policy digest covers
// the selection in order, so storing and loading must agree on it.
var pcrBanks = []struct {
	alg  crypto.Hash
	hash tpm2.TPMIAlgHash
}{
	{crypto.SHA1, tpm2.TPMAlgSHA1},
	{crypto.SHA256, tpm2.TPMAlgSHA256},
	{crypto.SHA384, tpm2.TPMAlgSHA384},
	{crypto.SHA512, tpm2.TPMAlgSHA512},
}

func (pcrs PCRList) selection() (sel tpm2.TPMLPCRSelection) {
	for _, bank := range pcrBanks {
		slots, ok := pcrs[bank.alg]
		if !ok {
			continue
		}
		hash := bank.hash

		var pcrSelect [3]byte
		if len(slots) == 0 {
			pcrSelect[0], pcrSelect[1], pcrSelect[2] = 0xFF, 0xFF, 0xFF
		}
		for _, slot := range slots {
			if slot < 0 || slot > 23 {
				continue
			}
			pcrSelect[slot/8] |= 1 << (slot % 8)
		}

		sel.PCRSelections = append(sel.PCRSelections, tpm2.TPMSPCRSelection{
			Hash:      hash,
			PCRSelect: pcrSelect[:],
		})
	}
	return
}

// policy starts a policy session which is satisfied only while the selected
// PCRs hold their current values.
func (pcrs PCRList) policy(t TPM) (tpm2.Session, func() error, error) {
	selection := pcrs.selection()
	digests, err := readPCRs(t, selection)
	if err != nil {
		return nil, nil, err
	}
	hash := crypto.SHA256.New()
	for _, digest := range digests {
		_, _ = hash.Write(digest)
	}

	sess, cleanup, err := tpm2.PolicySession(t, tpm2.TPMAlgSHA256, 16)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating policy session: %w", err)
	}
	if _, err := (tpm2.PolicyPCR{
		PolicySession: sess.Handle(),
		PcrDigest:     tpm2.TPM2BDigest{Buffer: hash.Sum(nil)},
		Pcrs:          selection,
	}).Execute(t); err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("error calling TPM2_PolicyPCR: %w", err)
	}
	return sess, cleanup, nil
}

// readPCRs returns the values of every selected PCR in selection order. A
// single TPM2_PCR_Read returns at most 8 values, so the unread remainder is
// requested until none is left.
func readPCRs(t TPM, selection tpm2.TPMLPCRSelection) ([][]byte, error) {
	remaining := make([]tpm2.TPMSPCRSelection, len(selection.PCRSelections))
	for i, sel := range selection.PCRSelections {
		remaining[i] = tpm2.TPMSPCRSelection{
			Hash:      sel.Hash,
			PCRSelect: append([]byte(nil), sel.PCRSelect...),
		}
	}

	var digests [][]byte
	for {
		var next tpm2.TPMLPCRSelection
		for _, sel := range remaining {
			if slices.ContainsFunc(sel.PCRSelect, func(b byte) bool { return b != 0 }) {
				next.PCRSelections = append(next.PCRSelections, sel)
			}
		}
		if len(next.PCRSelections) == 0 {
			return digests, nil
		}

		rsp, err := tpm2.PCRRead{PCRSelectionIn: next}.Execute(t)
		if err != nil {
			return nil, fmt.Errorf("error calling TPM2_PCR_Read: %w", err)
		}
		if len(rsp.PCRValues.Digests) == 0 {
			return nil, fmt.Errorf("TPM2_PCR_Read returned no values for the PCR selection")
		}
		for _, digest := range rsp.PCRValues.Digests {
			digests = append(digests, digest.Buffer)
		}
		var progress bool
		for _, read := range rsp.PCRSelectionOut.PCRSelections {
			for i := range remaining {
				if remaining[i].Hash != read.Hash {
					continue
				}
				for j := range min(len(read.PCRSelect), len(remaining[i].PCRSelect)) {
					progress = progress || remaining[i].PCRSelect[j]&read.PCRSelect[j] != 0
					remaining[i].PCRSelect[j] &^= read.PCRSelect[j]
				}
			}
		}
		if !progress {
			return nil, fmt.Errorf("TPM2_PCR_Read did not read any remaining PCR")
		}
	}
}

// nvIndex is an NV index holding exactly one UDS.
type nvIndex struct {
	public tpm2.TPMSNVPublic
	name   tpm2.TPM2BName
}

func newNVIndex(index uint32, authPolicy tpm2.TPM2BDigest) (*nvIndex, error) {
	public := tpm2.TPMSNVPublic{
		NVIndex:    tpm2.TPMHandle(index),
		NameAlg:    tpm2.TPMAlgSHA256,
		Attributes: udsNVAttr,
		AuthPolicy: authPolicy,
		DataSize:   dice.CDISize,
	}
	name, err := tpm2.NVName(&public)
	if err != nil {
		return nil, fmt.Errorf("error calculating name of NV index: %w", err)
	}
	return &nvIndex{public: public, name: *name}, nil
}

// readNVIndex loads the public area of an existing index.
func readNVIndex(t TPM, index uint32) (*nvIndex, error) {
	rsp, err := (tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(index)}).Execute(t)
	if err != nil {
		return nil, fmt.Errorf("error calling TPM2_NV_ReadPublic: %w", err)
	}
	public, err := rsp.NVPublic.Contents()
	if err != nil {
		return nil, fmt.Errorf("error getting NV public contents: %w", err)
	}
	name, err := tpm2.NVName(public)
	if err != nil {
		return nil, fmt.Errorf("error calculating name of NV index: %w", err)
	}
	return &nvIndex{public: *public, name: *name}, nil
}

func (nv *nvIndex) auth(session tpm2.Session) tpm2.AuthHandle {
	return tpm2.AuthHandle{Handle: nv.public.NVIndex, Name: nv.name, Auth: session}
}

func (nv *nvIndex) named() tpm2.NamedHandle {
	return tpm2.NamedHandle{Handle: nv.public.NVIndex, Name: nv.name}
}

func (nv *nvIndex) define(t TPM) error {
	if _, err := (tpm2.NVDefineSpace{
		AuthHandle: tpm2.TPMRHOwner,
		PublicInfo: tpm2.New2B(nv.public),
	}).Execute(t); err != nil {
		return fmt.Errorf("error calling TPM2_NV_DefineSpace: %w", err)
	}
	return nil
}

// Policy auth is only possible with Platform auth and NVUndefineSpaceSpecial,
// so owner auth is used.
func (nv *nvIndex) undefine(t TPM) error {
	if _, err := (tpm2.NVUndefineSpace{
		AuthHandle: tpm2.TPMRHOwner,
		NVIndex:    nv.named(),
	}).Execute(t); err != nil {
		return fmt.Errorf("error calling TPM2_NV_UndefineSpace: %w", err)
	}
	return nil
}

// StoreUDS writes a UDS to an NV index which may only be read while the
// selected PCRs hold their current values. Any existing index is replaced.
func StoreUDS(t TPM, index uint32, uds *dice.CDI, pcrs PCRList) error {
	sess, cleanup, err := pcrs.policy(t)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	digest, err := (tpm2.PolicyGetDigest{PolicySession: sess.Handle()}).Execute(t)
	if err != nil {
		return fmt.Errorf("error calling TPM2_PolicyGetDigest: %w", err)
	}

	if existing, err := readNVIndex(t, index); err == nil {
		if err := existing.undefine(t); err != nil {
			return err
		}
	}

	nv, err := newNVIndex(index, digest.PolicyDigest)
	if err != nil {
		return err
	}
	if err := nv.define(t); err != nil {
		return err
	}
	if _, err := (tpm2.NVWrite{
		AuthHandle: nv.auth(sess),
		NVIndex:    nv.named(),
		Data:       tpm2.TPM2BMaxNVBuffer{Buffer: uds[:]},
	}).Execute(t); err != nil {
		return fmt.Errorf("error calling TPM2_NV_Write: %w", err)
	}
	return nil
}

// LoadUDS reads a UDS written by StoreUDS. It fails if the selected PCRs do
// not hold the values they held when the UDS was stored.
func LoadUDS(t TPM, index uint32, pcrs PCRList) (uds dice.CDI, err error) {
	sess, cleanup, err := pcrs.policy(t)
	if err != nil {
		return uds, err
	}
	defer func() { _ = cleanup() }()

	nv, err := readNVIndex(t, index)
	if err != nil {
		return uds, err
	}
	if nv.public.DataSize != dice.CDISize {
		return uds, fmt.Errorf("NV index 0x%x holds %d bytes, expected a %d byte UDS", index, nv.public.DataSize, dice.CDISize)
	}
	rsp, err := (tpm2.NVRead{
		AuthHandle: nv.auth(sess),
		NVIndex:    nv.named(),
		Size:       nv.public.DataSize,
	}).Execute(t)
	if err != nil {
		return uds, fmt.Errorf("error calling TPM2_NV_Read: %w", err)
	}
	copy(uds[:], rsp.Data.Buffer)
	clear(rsp.Data.Buffer)
	return uds, nil
}
