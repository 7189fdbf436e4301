// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package dice

import (
	"fmt"

	"github.com/fido-device-onboard/go-dice/cbor"
)

// CWT claim keys. Labels below -65536 are in the private use range.
const (
	issuerLabel              = 1
	subjectLabel             = 2
	codeHashLabel            = -4670545
	codeDescriptorLabel      = -4670546
	configHashLabel          = -4670547
	configDescriptorLabel    = -4670548
	authorityHashLabel       = -4670549
	authorityDescriptorLabel = -4670550
	modeLabel                = -4670551
	subjectPublicKeyLabel    = -4670552
	keyUsageLabel            = -4670553
)

// COSE constants for Ed25519 keys and EdDSA signatures
const (
	coseAlgLabel       = 1
	coseAlgEdDSA       = -8
	coseKeyTypeLabel   = 1
	coseKeyAlgLabel    = 3
	coseKeyOpsLabel    = 4
	coseKeyCurveLabel  = -1
	coseKeyXLabel      = -2
	coseKeyTypeOKP     = 1
	coseKeyOpVerify    = 2
	coseCurveEd25519   = 6
	sig1Context        = "Signature1"
	keyUsageCertSign   = 1 << 5
	sign1ArrayLength   = 4
	sigStructureLength = 4
)

// writes runs a sequence of encodes against one cursor, skipping the rest of
// the sequence after the first failure.
type writes struct {
	out *cbor.Out
	ok  bool
}

func (w *writes) int(v int64) {
	if w.ok {
		w.ok = w.out.WriteInt(v) > 0
	}
}

func (w *writes) bstr(b []byte) {
	if w.ok {
		w.ok = w.out.WriteBstr(b) > 0
	}
}

func (w *writes) tstr(s string) {
	if w.ok {
		w.ok = w.out.WriteTstr(s) > 0
	}
}

func (w *writes) array(n uint64) {
	if w.ok {
		w.ok = w.out.WriteArray(n) > 0
	}
}

func (w *writes) mapHeader(n uint64) {
	if w.ok {
		w.ok = w.out.WriteMap(n) > 0
	}
}

// encode measures enc with a counter, allocates exactly, and writes. Both
// passes run the same code so the sizes must agree.
func encode(enc func(*writes)) ([]byte, error) {
	counter := &writes{out: cbor.NewCounter(), ok: true}
	enc(counter)
	if !counter.ok {
		return nil, fmt.Errorf("%w: encoding size overflows", ErrPlatform)
	}
	buf := make([]byte, counter.out.Size())
	return buf, encodeInto(buf, counter.out.Size(), enc)
}

// encodeInto writes enc into buf, which must hold at least size bytes.
func encodeInto(buf []byte, size int, enc func(*writes)) error {
	if len(buf) < size {
		return ErrBufferTooSmall
	}
	w := &writes{out: cbor.NewWriter(buf[:size]), ok: true}
	enc(w)
	if !w.ok || w.out.Size() != size {
		return fmt.Errorf("%w: encoding size changed between passes", ErrPlatform)
	}
	return nil
}

// claims is the payload of a certificate.
type claims struct {
	issuer, subject        ID
	input                  *InputValues
	config                 *Digest // inline value or config descriptor hash
	subjectPublicKey       []byte  // encoded COSE_Key
	keyUsage               [1]byte
	configIsInline         bool
	configDescriptor       []byte
	hasCodeDescriptor      bool
	hasAuthorityDescriptor bool
}

func newClaims(issuer, subject ID, input *InputValues, config *Digest, subjectPublicKey []byte) *claims {
	c := &claims{
		issuer:                 issuer,
		subject:                subject,
		input:                  input,
		config:                 config,
		subjectPublicKey:       subjectPublicKey,
		keyUsage:               [1]byte{keyUsageCertSign},
		hasCodeDescriptor:      len(input.CodeDescriptor) > 0,
		hasAuthorityDescriptor: len(input.AuthorityDescriptor) > 0,
	}
	switch cfg := input.Config.(type) {
	case InlineConfig, *InlineConfig:
		c.configIsInline = true
	case *DescriptorConfig:
		c.configDescriptor = cfg.Descriptor
	}
	return c
}

func (c *claims) pairs() uint64 {
	// iss, sub, code hash, config, authority hash, mode, public key, key usage
	n := uint64(8)
	if c.hasCodeDescriptor {
		n++
	}
	if c.hasAuthorityDescriptor {
		n++
	}
	if !c.configIsInline && len(c.configDescriptor) > 0 {
		n++
	}
	return n
}

func (c *claims) encode(w *writes) {
	w.mapHeader(c.pairs())
	w.int(issuerLabel)
	w.tstr(c.issuer.String())
	w.int(subjectLabel)
	w.tstr(c.subject.String())
	w.int(codeHashLabel)
	w.bstr(c.input.CodeHash[:])
	if c.hasCodeDescriptor {
		w.int(codeDescriptorLabel)
		w.bstr(c.input.CodeDescriptor)
	}
	if c.configIsInline {
		w.int(configDescriptorLabel)
		w.bstr(c.config[:])
	} else {
		w.int(configHashLabel)
		w.bstr(c.config[:])
		if len(c.configDescriptor) > 0 {
			w.int(configDescriptorLabel)
			w.bstr(c.configDescriptor)
		}
	}
	w.int(authorityHashLabel)
	w.bstr(c.input.AuthorityHash[:])
	if c.hasAuthorityDescriptor {
		w.int(authorityDescriptorLabel)
		w.bstr(c.input.AuthorityDescriptor)
	}
	w.int(modeLabel)
	w.bstr([]byte{byte(c.input.Mode)})
	w.int(subjectPublicKeyLabel)
	w.bstr(c.subjectPublicKey)
	w.int(keyUsageLabel)
	w.bstr(c.keyUsage[:])
}

// encodePublicKey encodes an Ed25519 public key as a COSE_Key which may only
// be used for verification.
func encodePublicKey(publicKey []byte) func(*writes) {
	return func(w *writes) {
		w.mapHeader(5)
		w.int(coseKeyTypeLabel)
		w.int(coseKeyTypeOKP)
		w.int(coseKeyAlgLabel)
		w.int(coseAlgEdDSA)
		w.int(coseKeyOpsLabel)
		w.array(1)
		w.int(coseKeyOpVerify)
		w.int(coseKeyCurveLabel)
		w.int(coseCurveEd25519)
		w.int(coseKeyXLabel)
		w.bstr(publicKey)
	}
}

func encodeProtectedHeader(w *writes) {
	w.mapHeader(1)
	w.int(coseAlgLabel)
	w.int(coseAlgEdDSA)
}

// encodeSigStructure encodes the Sig_structure for a COSE_Sign1 with no
// external AAD.
func encodeSigStructure(protected, payload []byte) func(*writes) {
	return func(w *writes) {
		w.array(sigStructureLength)
		w.tstr(sig1Context)
		w.bstr(protected)
		w.bstr(nil)
		w.bstr(payload)
	}
}

// encodeSign1 encodes an untagged COSE_Sign1 with an empty unprotected header.
func encodeSign1(protected, payload, signature []byte) func(*writes) {
	return func(w *writes) {
		w.array(sign1ArrayLength)
		w.bstr(protected)
		w.mapHeader(0)
		w.bstr(payload)
		w.bstr(signature)
	}
}

// generateCertificate writes the certificate for subjectSeed, signed by
// authoritySeed. The flow's config value must already be set.
func (f *flow) generateCertificate(subjectSeed, authoritySeed *PrivateKeySeed, input *InputValues, certificate []byte) (int, error) {
	// Derive both key pairs and their IDs
	f.state = stateKeyGenerating
	subjectPubSize, _, err := f.ops.KeypairFromSeed(subjectSeed, &f.subjectPublicKey, &f.subjectPrivateKey)
	if err != nil {
		return 0, platformError("subject key pair from seed", err)
	}
	f.ops.ClearMemory(f.subjectPrivateKey[:])
	authorityPubSize, authorityPrivSize, err := f.ops.KeypairFromSeed(authoritySeed, &f.authorityPublicKey, &f.authorityPrivateKey)
	if err != nil {
		return 0, platformError("authority key pair from seed", err)
	}
	if subjectPubSize <= 0 || subjectPubSize > PublicKeyMaxSize ||
		authorityPubSize <= 0 || authorityPubSize > PublicKeyMaxSize ||
		authorityPrivSize <= 0 || authorityPrivSize > PrivateKeyMaxSize {
		return 0, fmt.Errorf("%w: key size out of range", ErrPlatform)
	}
	subjectPublicKey := f.subjectPublicKey[:subjectPubSize]
	subjectID, err := DeriveCdiCertificateID(f.ops, subjectPublicKey)
	if err != nil {
		return 0, err
	}
	authorityID, err := DeriveCdiCertificateID(f.ops, f.authorityPublicKey[:authorityPubSize])
	if err != nil {
		return 0, err
	}

	// Measure and encode the payload, then measure the whole certificate
	f.state = stateClaimsBuilding
	coseKey, err := encode(encodePublicKey(subjectPublicKey))
	if err != nil {
		return 0, err
	}
	payload, err := encode(newClaims(authorityID, subjectID, input, &f.config, coseKey).encode)
	if err != nil {
		return 0, err
	}
	protected, err := encode(encodeProtectedHeader)
	if err != nil {
		return 0, err
	}
	var signature [SignatureSize]byte
	counter := &writes{out: cbor.NewCounter(), ok: true}
	encodeSign1(protected, payload, signature[:])(counter)
	if !counter.ok {
		return 0, fmt.Errorf("%w: certificate size overflows", ErrPlatform)
	}
	size := counter.out.Size()
	if len(certificate) < size {
		return size, ErrBufferTooSmall
	}

	// Sign the Sig_structure. Hashing the message is part of Ed25519 itself.
	f.state = stateSigning
	tbs, err := encode(encodeSigStructure(protected, payload))
	if err != nil {
		return 0, err
	}
	if err := f.ops.Sign(tbs, f.authorityPrivateKey[:authorityPrivSize], signature[:]); err != nil {
		return 0, platformError("sign certificate", err)
	}
	f.ops.ClearMemory(f.authorityPrivateKey[:])

	// Assemble the COSE_Sign1
	if err := encodeInto(certificate, size, encodeSign1(protected, payload, signature[:])); err != nil {
		return 0, err
	}
	return size, nil
}

// GenerateCertificate runs [Engine.GenerateCertificate] with default limits.
func GenerateCertificate(ops Ops, subjectSeed, authoritySeed *PrivateKeySeed, input *InputValues, certificate []byte) (int, error) {
	return (&Engine{Ops: ops}).GenerateCertificate(subjectSeed, authoritySeed, input, certificate)
}

// GenerateCertificate writes a certificate for the key pair derived from
// subjectSeed, signed with the key pair derived from authoritySeed, describing
// input. It returns the size of the certificate, or the size required along
// with ErrBufferTooSmall.
//
// MainFlow generates its certificate the same way. This is useful for issuing
// a self-signed root certificate for the UDS, or for a stage whose CDIs were
// derived elsewhere.
func (e *Engine) GenerateCertificate(subjectSeed, authoritySeed *PrivateKeySeed, input *InputValues, certificate []byte) (int, error) {
	if subjectSeed == nil || authoritySeed == nil {
		return 0, invalidInput("missing private key seed")
	}
	if err := input.Validate(e.MaxDescriptorSize); err != nil {
		return 0, err
	}
	f := &flow{ops: e.Ops}
	defer f.scrub()
	if err := f.configValue(input); err != nil {
		return 0, err
	}
	return f.generateCertificate(subjectSeed, authoritySeed, input, certificate)
}
