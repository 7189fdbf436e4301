// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package memory_test

import (
	"testing"

	"github.com/fido-device-onboard/go-dice/dicetest"
	"github.com/fido-device-onboard/go-dice/internal/memory"
)

func TestChainState(t *testing.T) {
	dicetest.RunChainStateSuite(t, memory.NewState())
}
