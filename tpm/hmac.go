// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm

import (
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/google/go-tpm/tpm2"

	"github.com/fido-device-onboard/go-dice"
)

// udsLabel prefixes every label given to DeriveUDS so that the HMAC key is
// never used to produce a value another application could also request.
const udsLabel = "DICE UDS\x00"

// DeriveUDS returns HMAC-SHA256(K, "DICE UDS" || 0x00 || label), where K is
// a keyed-hash primary key of the endorsement hierarchy. Primary keys are
// derived from the hierarchy seed, so the UDS is the same every time it is
// derived on the same TPM and changes only if the endorsement hierarchy is
// cleared.
//
// The caller must clear the returned UDS once the first stage's CDIs are
// derived.
func DeriveUDS(t TPM, label []byte) (uds dice.CDI, err error) {
	auth, closeSession, err := tpm2.HMACSession(t, tpm2.TPMAlgSHA256, 16)
	if err != nil {
		return uds, fmt.Errorf("tpm: create HMAC key authorization session: %w", err)
	}
	defer func() {
		if err2 := closeSession(); err2 != nil && err == nil {
			err = fmt.Errorf("tpm: release auth failed: %w", err2)
		}
	}()

	key, err := createHMACKey(t, auth)
	if err != nil {
		return uds, err
	}
	defer func() {
		if _, err2 := (tpm2.FlushContext{FlushHandle: key.Handle}).Execute(t); err2 != nil && err == nil {
			err = fmt.Errorf("tpm: release key failed: %w", err2)
		}
	}()

	msg := make([]byte, 0, len(udsLabel)+len(label))
	msg = append(msg, udsLabel...)
	msg = append(msg, label...)
	mac, err := hmacSequence(t, key, auth, msg)
	if err != nil {
		return uds, err
	}
	if len(mac) != len(uds) {
		return uds, fmt.Errorf("tpm: HMAC is %d bytes, expected %d", len(mac), len(uds))
	}
	copy(uds[:], mac)
	clear(mac)
	return uds, nil
}

// createHMACKey creates the HMAC-SHA256 primary key under the endorsement
// hierarchy. It must be flushed when no longer needed.
func createHMACKey(t TPM, auth tpm2.Session) (*tpm2.NamedHandle, error) {
	rsp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHEndorsement,
			Auth:   auth,
		},
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgKeyedHash,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				SignEncrypt:         true,
				FixedTPM:            true,
				FixedParent:         true,
				SensitiveDataOrigin: true,
				UserWithAuth:        true,
			},
			Parameters: tpm2.NewTPMUPublicParms(tpm2.TPMAlgKeyedHash,
				&tpm2.TPMSKeyedHashParms{
					Scheme: tpm2.TPMTKeyedHashScheme{
						Scheme: tpm2.TPMAlgHMAC,
						Details: tpm2.NewTPMUSchemeKeyedHash(tpm2.TPMAlgHMAC,
							&tpm2.TPMSSchemeHMAC{
								HashAlg: tpm2.TPMAlgSHA256,
							}),
					},
				}),
		}),
	}.Execute(t)
	if err != nil {
		return nil, fmt.Errorf("tpm: create hmac key: %w", err)
	}
	slog.Debug("tpm: created UDS HMAC key",
		"handle", fmt.Sprintf("0x%x", rsp.ObjectHandle.HandleValue()),
		"name_bytes", len(rsp.Name.Buffer),
	)
	return &tpm2.NamedHandle{Handle: rsp.ObjectHandle, Name: rsp.Name}, nil
}

// hmacSequence runs one HMAC sequence over msg, splitting it into chunks no
// larger than the TPM's input buffer.
func hmacSequence(t TPM, key *tpm2.NamedHandle, auth tpm2.Session, msg []byte) ([]byte, error) {
	sequenceAuth := make([]byte, 16)
	if _, err := rand.Read(sequenceAuth); err != nil {
		return nil, fmt.Errorf("generating auth buffer: %w", err)
	}

	// Null HashAlg will use algorithm from key scheme; see Part 3, Commands, Section 17.2.1
	start, err := tpm2.HmacStart{
		Handle: tpm2.AuthHandle{
			Handle: key.Handle,
			Name:   key.Name,
			Auth:   auth,
		},
		Auth:    tpm2.TPM2BAuth{Buffer: sequenceAuth},
		HashAlg: tpm2.TPMAlgNull,
	}.Execute(t)
	if err != nil {
		return nil, fmt.Errorf("tpm: HmacStart: %w", err)
	}
	seq := tpm2.AuthHandle{
		Handle: start.SequenceHandle,
		Auth:   tpm2.PasswordAuth(sequenceAuth),
	}

	// The sequence handle is flushed by SequenceComplete, so on a failed
	// update it is completed and the result discarded
	chunk := int(maxInputBuffer(t))
	for len(msg) > chunk {
		if _, err := (tpm2.SequenceUpdate{
			SequenceHandle: seq,
			Buffer:         tpm2.TPM2BMaxBuffer{Buffer: msg[:chunk]},
		}).Execute(t); err != nil {
			_, _ = (tpm2.SequenceComplete{SequenceHandle: seq, Hierarchy: tpm2.TPMRHEndorsement}).Execute(t)
			return nil, fmt.Errorf("tpm: SequenceUpdate: %w", err)
		}
		msg = msg[chunk:]
	}

	done, err := tpm2.SequenceComplete{
		SequenceHandle: seq,
		Buffer:         tpm2.TPM2BMaxBuffer{Buffer: msg},
		Hierarchy:      tpm2.TPMRHEndorsement,
	}.Execute(t)
	if err != nil {
		return nil, fmt.Errorf("tpm: SequenceComplete: %w", err)
	}
	return done.Result.Buffer, nil
}

// defaultMaxInputBuffer in Octets, Part 3, Commands 17.4.1, this minimum buffer size value is
// allowed. Use Property Tag INPUT_BUFFER for the actual maximum supported by the TPM.
const defaultMaxInputBuffer = 1024

// maxInputBuffer returns the TPM's maximum input buffer size parameter, usually a
// TPM2B_MAX_BUFFER; see Part 2, Structures, section 6.13.
func maxInputBuffer(t TPM) uint32 {
	capability, err := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTInputBuffer),
		PropertyCount: 1,
	}.Execute(t)
	if err != nil {
		slog.Warn("tpm: get capability failed", "error", err)
		return defaultMaxInputBuffer
	}

	props, err := capability.CapabilityData.Data.TPMProperties()
	if err != nil {
		slog.Warn("tpm: get capability properties failed", "error", err)
		return defaultMaxInputBuffer
	}
	for _, prop := range props.TPMProperty {
		if prop.Property == tpm2.TPMPTInputBuffer && prop.Value > 0 {
			return prop.Value
		}
	}

	slog.Info("tpm: max input buffer size undefined, using default", "size", defaultMaxInputBuffer)
	return defaultMaxInputBuffer
}
