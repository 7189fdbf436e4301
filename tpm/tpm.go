// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package tpm provides a Unique Device Secret from a TPM 2.0, either derived
// from the endorsement hierarchy or stored in a PCR-bound NV index.
//
// Neither source exposes the underlying TPM seed. A UDS is still a secret
// once it leaves the TPM and must be cleared after the first stage's CDIs are
// derived.
package tpm

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/go-tpm/tpm2/transport"
)

// TPM is a connection to a TPM which commands may be executed on.
type TPM = transport.TPM

// Closer is a TPM connection which must be closed.
type Closer = transport.TPMCloser

// DevNodeKind distinguishes TPM device nodes which go through the kernel
// resource manager from those that do not.
type DevNodeKind uint8

// Kinds of TPM device nodes
const (
	DevNodeUnmanaged DevNodeKind = iota // /dev/tpmN
	DevNodeManaged                      // /dev/tpmrmN
)

// PathPrefix is the device path without the device number.
func (kind DevNodeKind) PathPrefix() string {
	switch kind {
	case DevNodeUnmanaged:
		return "/dev/tpm"
	case DevNodeManaged:
		return "/dev/tpmrm"
	default:
		return ""
	}
}

// IsDevNode reports whether path is a TPM device node of the given kind.
func IsDevNode(path string, kind DevNodeKind) bool {
	prefix := kind.PathPrefix()
	if prefix == "" {
		return false
	}
	num, ok := strings.CutPrefix(path, prefix)
	if !ok || num == "" {
		return false
	}
	_, err := strconv.ParseUint(num, 10, 8)
	return err == nil
}

// Open will open a TPM device at the given path.
//
// Clients should use /dev/tpmrm0 because using /dev/tpm0 requires more
// extensive resource management that the kernel already handles for us
// when using the kernel resource manager.
func Open(path string) (Closer, error) {
	switch {
	case IsDevNode(path, DevNodeManaged):
		return transport.OpenTPM(path)
	case IsDevNode(path, DevNodeUnmanaged):
		slog.Warn("direct use of the TPM can lead to resource exhaustion, use a TPM resource manager instead")
		return transport.OpenTPM(path)
	default:
		return nil, fmt.Errorf("unsupported TPM device path: %s", path)
	}
}
