// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package memory implements chain state using non-persistent memory. It is
// used by tests and by the CLI when no database is given.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/fido-device-onboard/go-dice"
)

type device struct {
	rootPublicKey []byte
	certs         [][]byte
}

// State implements [dice.ChainState] for state which must be persisted
// between calls, but not between processes.
type State struct {
	mu      sync.RWMutex
	devices map[dice.ID]*device
}

var _ dice.ChainState = (*State)(nil)

// NewState initializes the in-memory state.
func NewState() *State {
	return &State{
		devices: make(map[dice.ID]*device),
	}
}

// AddDevice registers the root public key of a device.
func (s *State) AddDevice(_ context.Context, id dice.ID, rootPublicKey []byte) error {
	if len(rootPublicKey) == 0 {
		return fmt.Errorf("missing root public key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[id] = &device{rootPublicKey: bytes.Clone(rootPublicKey)}
	return nil
}

// DevicePublicKey returns the root public key of a device.
func (s *State) DevicePublicKey(_ context.Context, id dice.ID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, dice.ErrNotFound)
	}
	return bytes.Clone(d.rootPublicKey), nil
}

// AppendCertificate stores the certificate of the next layer of a device.
func (s *State) AppendCertificate(_ context.Context, id dice.ID, cert []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return 0, fmt.Errorf("device %s: %w", id, dice.ErrNotFound)
	}
	d.certs = append(d.certs, bytes.Clone(cert))
	return len(d.certs) - 1, nil
}

// Certificates returns the certificates of a device in layer order.
func (s *State) Certificates(_ context.Context, id dice.ID) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, dice.ErrNotFound)
	}
	certs := slices.Clone(d.certs)
	for i, cert := range certs {
		certs[i] = bytes.Clone(cert)
	}
	return certs, nil
}

// RemoveDevice deletes a device and its certificates.
func (s *State) RemoveDevice(_ context.Context, id dice.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return fmt.Errorf("device %s: %w", id, dice.ErrNotFound)
	}
	delete(s.devices, id)
	return nil
}
