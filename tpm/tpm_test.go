// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm_test

import (
	"testing"

	"github.com/fido-device-onboard/go-dice/tpm"
)

func TestIsDevNode(t *testing.T) {
	for _, test := range []struct {
		path   string
		kind   tpm.DevNodeKind
		expect bool
	}{
		{
			path:   "/dev/tpm0",
			kind:   tpm.DevNodeUnmanaged,
			expect: true,
		},
		{
			path:   "/dev/tpm1",
			kind:   tpm.DevNodeUnmanaged,
			expect: true,
		},
		{
			path:   "/dev/tpmrm0",
			kind:   tpm.DevNodeManaged,
			expect: true,
		},
		{
			path:   "/dev/tpmrm1",
			kind:   tpm.DevNodeManaged,
			expect: true,
		},
		{
			path:   "/dev/tpm0",
			kind:   tpm.DevNodeManaged,
			expect: false,
		},
		{
			path:   "/dev/tpmrm0",
			kind:   tpm.DevNodeUnmanaged,
			expect: false,
		},
		{
			path:   "tpmrm0",
			kind:   tpm.DevNodeManaged,
			expect: false,
		},
		{
			path:   "/dev/tpm",
			kind:   tpm.DevNodeUnmanaged,
			expect: false,
		},
	} {
		t.Run("whether "+test.path+" is a "+test.kind.PathPrefix(), func(t *testing.T) {
			if got, expect := tpm.IsDevNode(test.path, test.kind), test.expect; got != expect {
				var direction string
				if !expect {
					direction = " not"
				}
				t.Errorf("expected %q to%s match %q suffixed with a number", test.path, direction, test.kind.PathPrefix())
			}
		})
	}
}

func TestOpenUnsupportedPath(t *testing.T) {
	if _, err := tpm.Open("/tmp/not-a-tpm"); err == nil {
		t.Fatal("expected error")
	}
}
