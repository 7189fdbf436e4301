// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package dice

import (
	"strings"
	"testing"
)

type clearCounter struct {
	Ops
	n int
}

func (c *clearCounter) ClearMemory(b []byte) {
	clear(b)
	c.n++
}

func TestFlowScrub(t *testing.T) {
	c := new(clearCounter)
	f := &flow{ops: c, state: stateSigning}
	f.subjectSeed[0], f.next.Attest[0], f.subjectPrivateKey[0] = 1, 1, 1
	f.scrub()

	if f.state != stateScrubbing {
		t.Fatalf("expected state %s, got %s", stateScrubbing, f.state)
	}
	if f.subjectSeed != (PrivateKeySeed{}) || f.next != (CDIs{}) || f.subjectPrivateKey != [PrivateKeyMaxSize]byte{} {
		t.Fatal("secrets not cleared")
	}
	if c.n != 9 {
		t.Fatalf("expected 9 clears, got %d", c.n)
	}

	for s := stateStart; s <= stateError; s++ {
		if strings.HasPrefix(s.String(), "state(") {
			t.Errorf("state %d has no name", uint8(s))
		}
	}
}
