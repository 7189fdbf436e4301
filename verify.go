// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package dice

import (
	"encoding/hex"
	"fmt"

	fxcbor "github.com/fxamacker/cbor/v2"
)

var decMode = func() fxcbor.DecMode {
	dm, err := fxcbor.DecOptions{
		DupMapKey:   fxcbor.DupMapKeyEnforcedAPF,
		IndefLength: fxcbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Certificate is an untagged COSE_Sign1 as produced by [MainFlow].
type Certificate struct {
	_ struct{} `cbor:",toarray"`

	Protected   []byte
	Unprotected map[int]fxcbor.RawMessage
	Payload     []byte
	Signature   []byte
}

// ParseCertificate decodes the COSE_Sign1 structure of a certificate. It does
// not check the signature or decode the claims.
func ParseCertificate(b []byte) (*Certificate, error) {
	var cert Certificate
	if err := decMode.Unmarshal(b, &cert); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCertificate, err)
	}
	var protected struct {
		Alg int64 `cbor:"1,keyasint"`
	}
	if err := decMode.Unmarshal(cert.Protected, &protected); err != nil {
		return nil, fmt.Errorf("%w: protected header: %w", ErrInvalidCertificate, err)
	}
	if protected.Alg != coseAlgEdDSA {
		return nil, fmt.Errorf("%w: unsupported algorithm %d", ErrInvalidCertificate, protected.Alg)
	}
	if len(cert.Signature) != SignatureSize {
		return nil, fmt.Errorf("%w: signature is %d bytes", ErrInvalidCertificate, len(cert.Signature))
	}
	return &cert, nil
}

// Claims are the decoded contents of a certificate payload.
type Claims struct {
	Issuer              ID
	Subject             ID
	CodeHash            Digest
	CodeDescriptor      []byte
	Config              Config
	AuthorityHash       Digest
	AuthorityDescriptor []byte
	Mode                Mode
	SubjectPublicKey    []byte
	KeyUsage            byte
}

type rawClaims struct {
	Issuer              string `cbor:"1,keyasint"`
	Subject             string `cbor:"2,keyasint"`
	CodeHash            []byte `cbor:"-4670545,keyasint"`
	CodeDescriptor      []byte `cbor:"-4670546,keyasint,omitempty"`
	ConfigHash          []byte `cbor:"-4670547,keyasint,omitempty"`
	ConfigDescriptor    []byte `cbor:"-4670548,keyasint,omitempty"`
	AuthorityHash       []byte `cbor:"-4670549,keyasint"`
	AuthorityDescriptor []byte `cbor:"-4670550,keyasint,omitempty"`
	Mode                []byte `cbor:"-4670551,keyasint"`
	SubjectPublicKey    []byte `cbor:"-4670552,keyasint"`
	KeyUsage            []byte `cbor:"-4670553,keyasint"`
}

type rawPublicKey struct {
	Kty    int64   `cbor:"1,keyasint"`
	Alg    int64   `cbor:"3,keyasint"`
	KeyOps []int64 `cbor:"4,keyasint"`
	Crv    int64   `cbor:"-1,keyasint"`
	X      []byte  `cbor:"-2,keyasint"`
}

func parseID(s string) (id ID, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, err
	}
	if len(b) != IDSize {
		return ID{}, fmt.Errorf("ID is %d bytes", len(b))
	}
	return ID(b), nil
}

func parseDigest(name string, b []byte) (d Digest, err error) {
	if len(b) != HashSize {
		return Digest{}, fmt.Errorf("%w: %s is %d bytes", ErrInvalidCertificate, name, len(b))
	}
	return Digest(b), nil
}

// parseClaims decodes and checks the shape of the payload.
func parseClaims(payload []byte) (*Claims, error) {
	var raw rawClaims
	if err := decMode.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: claims: %w", ErrInvalidCertificate, err)
	}

	var c Claims
	var err error
	if c.Issuer, err = parseID(raw.Issuer); err != nil {
		return nil, fmt.Errorf("%w: issuer: %w", ErrInvalidCertificate, err)
	}
	if c.Subject, err = parseID(raw.Subject); err != nil {
		return nil, fmt.Errorf("%w: subject: %w", ErrInvalidCertificate, err)
	}
	if c.CodeHash, err = parseDigest("code hash", raw.CodeHash); err != nil {
		return nil, err
	}
	if c.AuthorityHash, err = parseDigest("authority hash", raw.AuthorityHash); err != nil {
		return nil, err
	}
	c.CodeDescriptor = raw.CodeDescriptor
	c.AuthorityDescriptor = raw.AuthorityDescriptor

	// A config hash is only present for descriptor configs
	if raw.ConfigHash == nil {
		if len(raw.ConfigDescriptor) != InlineConfigSize {
			return nil, fmt.Errorf("%w: inline config is %d bytes", ErrInvalidCertificate, len(raw.ConfigDescriptor))
		}
		c.Config = InlineConfig(raw.ConfigDescriptor)
	} else {
		digest, err := parseDigest("config hash", raw.ConfigHash)
		if err != nil {
			return nil, err
		}
		c.Config = &DescriptorConfig{Digest: digest, Descriptor: raw.ConfigDescriptor}
	}

	if len(raw.Mode) != 1 || !Mode(raw.Mode[0]).Valid() {
		return nil, fmt.Errorf("%w: invalid mode %x", ErrInvalidCertificate, raw.Mode)
	}
	c.Mode = Mode(raw.Mode[0])
	if len(raw.KeyUsage) != 1 {
		return nil, fmt.Errorf("%w: invalid key usage %x", ErrInvalidCertificate, raw.KeyUsage)
	}
	c.KeyUsage = raw.KeyUsage[0]

	var key rawPublicKey
	if err := decMode.Unmarshal(raw.SubjectPublicKey, &key); err != nil {
		return nil, fmt.Errorf("%w: subject public key: %w", ErrInvalidCertificate, err)
	}
	if key.Kty != coseKeyTypeOKP || key.Alg != coseAlgEdDSA || key.Crv != coseCurveEd25519 {
		return nil, fmt.Errorf("%w: subject public key is not an Ed25519 key", ErrInvalidCertificate)
	}
	if len(key.X) == 0 || len(key.X) > PublicKeyMaxSize {
		return nil, fmt.Errorf("%w: subject public key is %d bytes", ErrInvalidCertificate, len(key.X))
	}
	c.SubjectPublicKey = key.X

	return &c, nil
}

// VerifyCertificate checks that cert was signed by authorityPublicKey and
// that its issuer and subject IDs match the keys, then returns its claims.
func VerifyCertificate(ops Ops, cert, authorityPublicKey []byte) (*Claims, error) {
	sign1, err := ParseCertificate(cert)
	if err != nil {
		return nil, err
	}
	tbs, err := encode(encodeSigStructure(sign1.Protected, sign1.Payload))
	if err != nil {
		return nil, err
	}
	if err := ops.Verify(tbs, sign1.Signature, authorityPublicKey); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCryptoVerifyFailed, err)
	}

	claims, err := parseClaims(sign1.Payload)
	if err != nil {
		return nil, err
	}
	issuer, err := DeriveCdiCertificateID(ops, authorityPublicKey)
	if err != nil {
		return nil, err
	}
	if issuer != claims.Issuer {
		return nil, fmt.Errorf("%w: issuer %s does not match authority key %s", ErrInvalidCertificate, claims.Issuer, issuer)
	}
	subject, err := DeriveCdiCertificateID(ops, claims.SubjectPublicKey)
	if err != nil {
		return nil, err
	}
	if subject != claims.Subject {
		return nil, fmt.Errorf("%w: subject %s does not match subject key %s", ErrInvalidCertificate, claims.Subject, subject)
	}
	return claims, nil
}

// VerifyChain verifies each certificate with the subject key of the one
// before it, starting with rootPublicKey. The claims of every certificate are
// returned in order.
func VerifyChain(ops Ops, rootPublicKey []byte, certs [][]byte) ([]*Claims, error) {
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrInvalidCertificate)
	}
	key := rootPublicKey
	chain := make([]*Claims, 0, len(certs))
	for i, cert := range certs {
		claims, err := VerifyCertificate(ops, cert, key)
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", i, err)
		}
		chain = append(chain, claims)
		key = claims.SubjectPublicKey
	}
	return chain, nil
}
