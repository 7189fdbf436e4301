// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package dicetest contains test harnesses for the DICE flow and for chain
// state implementations.
package dicetest

import (
	"crypto/sha512"
	"fmt"

	"github.com/fido-device-onboard/go-dice"
)

// UDS returns a fixed UDS for a test device. Different n give different UDSs.
func UDS(n int) (uds dice.CDI) {
	sum := sha512.Sum512([]byte(fmt.Sprintf("test device %d", n)))
	copy(uds[:], sum[:])
	return uds
}

// Input returns deterministic input values for layer i. Even layers use an
// inline config and odd layers use a config descriptor.
func Input(i int) dice.InputValues {
	in := dice.InputValues{
		CodeHash:       sha512.Sum512([]byte(fmt.Sprintf("code %d", i))),
		AuthorityHash:  sha512.Sum512([]byte(fmt.Sprintf("authority %d", i))),
		CodeDescriptor: []byte(fmt.Sprintf("firmware layer %d", i)),
		Mode:           dice.ModeNormal,
		Hidden:         sha512.Sum512([]byte(fmt.Sprintf("hidden %d", i))),
	}
	if i%2 == 0 {
		in.Config = dice.InlineConfig(sha512.Sum512([]byte(fmt.Sprintf("config %d", i))))
	} else {
		in.Config = &dice.DescriptorConfig{Descriptor: []byte(fmt.Sprintf(`{"layer":%d}`, i))}
	}
	return in
}

// Layers returns the inputs of n layers.
func Layers(n int) []dice.InputValues {
	layers := make([]dice.InputValues, n)
	for i := range layers {
		layers[i] = Input(i)
	}
	return layers
}
