// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package dice_test

import (
	"bytes"
	"crypto/sha512"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/fido-device-onboard/go-dice"
	"github.com/fido-device-onboard/go-dice/dicetest"
	"github.com/fido-device-onboard/go-dice/ops"
)

func currentCDIs() *dice.CDIs {
	uds := dicetest.UDS(0)
	return &dice.CDIs{Attest: uds, Seal: uds}
}

func mainFlow(t *testing.T, o dice.Ops, current *dice.CDIs, input *dice.InputValues) (dice.CDIs, []byte) {
	t.Helper()
	cert := make([]byte, 2048)
	next, n, err := dice.MainFlow(o, current, input, cert)
	if err != nil {
		t.Fatal(err)
	}
	return next, cert[:n]
}

func TestMainFlowDeterministic(t *testing.T) {
	dicetest.DebugLogging(t)

	for i := range 2 {
		t.Run(fmt.Sprintf("layer %d", i), func(t *testing.T) {
			input := dicetest.Input(i)
			next1, cert1 := mainFlow(t, ops.Ed25519{}, currentCDIs(), &input)
			next2, cert2 := mainFlow(t, ops.Ed25519{}, currentCDIs(), &input)
			if next1 != next2 {
				t.Fatal("next CDIs differ between identical calls")
			}
			if !bytes.Equal(cert1, cert2) {
				t.Fatalf("certificates differ between identical calls\n%x\n%x", cert1, cert2)
			}
			if next1.Attest == (dice.CDI{}) || next1.Seal == (dice.CDI{}) {
				t.Fatal("next CDIs are zero")
			}
			if next1.Attest == next1.Seal {
				t.Fatal("attestation and sealing CDIs are equal")
			}
		})
	}
}

func TestMainFlowSensitivity(t *testing.T) {
	base := dicetest.Input(1)
	baseNext, baseCert := mainFlow(t, ops.Ed25519{}, currentCDIs(), &base)
	baseClaims, err := dice.VerifyCertificate(ops.Ed25519{}, baseCert, rootPublicKey(t))
	if err != nil {
		t.Fatal(err)
	}

	for _, test := range []struct {
		name         string
		mutate       func(*dice.InputValues)
		sealAffected bool
	}{
		{"code hash", func(in *dice.InputValues) { in.CodeHash[63] ^= 1 }, false},
		{"code descriptor", func(in *dice.InputValues) { in.CodeDescriptor = append(in.CodeDescriptor, '!') }, false},
		{"config descriptor", func(in *dice.InputValues) { in.Config = &dice.DescriptorConfig{Descriptor: []byte(`{"layer":2}`)} }, false},
		{"inline config", func(in *dice.InputValues) { in.Config = dice.InlineConfig{} }, false},
		{"authority hash", func(in *dice.InputValues) { in.AuthorityHash[0] ^= 0x80 }, true},
		{"authority descriptor", func(in *dice.InputValues) { in.AuthorityDescriptor = []byte("vendor") }, false},
		{"mode", func(in *dice.InputValues) { in.Mode = dice.ModeDebug }, true},
		{"hidden", func(in *dice.InputValues) { in.Hidden[10] ^= 0xff }, true},
	} {
		t.Run(test.name, func(t *testing.T) {
			input := dicetest.Input(1)
			input.CodeDescriptor = bytes.Clone(input.CodeDescriptor)
			test.mutate(&input)

			next, cert := mainFlow(t, ops.Ed25519{}, currentCDIs(), &input)
			if next.Attest == baseNext.Attest {
				t.Error("attestation CDI did not change")
			}
			if sealChanged := next.Seal != baseNext.Seal; sealChanged != test.sealAffected {
				t.Errorf("sealing CDI changed: %t, expected %t", sealChanged, test.sealAffected)
			}

			claims, err := dice.VerifyCertificate(ops.Ed25519{}, cert, rootPublicKey(t))
			if err != nil {
				t.Fatal(err)
			}
			if bytes.Equal(claims.SubjectPublicKey, baseClaims.SubjectPublicKey) {
				t.Error("subject key pair did not change")
			}
			if claims.Subject == baseClaims.Subject {
				t.Error("subject ID did not change")
			}
			if claims.Issuer != baseClaims.Issuer {
				t.Error("issuer changed with the next stage's inputs")
			}
		})
	}
}

func TestMainFlowCurrentCDIs(t *testing.T) {
	input := dicetest.Input(0)
	base, _ := mainFlow(t, ops.Ed25519{}, currentCDIs(), &input)

	current := currentCDIs()
	current.Seal[0] ^= 1
	next, _ := mainFlow(t, ops.Ed25519{}, current, &input)
	if next.Attest != base.Attest {
		t.Error("attestation CDI depends on the current sealing CDI")
	}
	if next.Seal == base.Seal {
		t.Error("sealing CDI does not depend on the current sealing CDI")
	}
}

func TestMainFlowInvalidInput(t *testing.T) {
	oversized := bytes.Repeat([]byte{0x5a}, dice.DefaultMaxDescriptorSize+1)

	for _, test := range []struct {
		name    string
		current *dice.CDIs
		input   func() *dice.InputValues
	}{
		{"missing input", currentCDIs(), func() *dice.InputValues { return nil }},
		{"missing current", nil, func() *dice.InputValues { in := dicetest.Input(0); return &in }},
		{"mode", currentCDIs(), func() *dice.InputValues {
			in := dicetest.Input(0)
			in.Mode = 4
			return &in
		}},
		{"missing config", currentCDIs(), func() *dice.InputValues {
			in := dicetest.Input(0)
			in.Config = nil
			return &in
		}},
		{"nil descriptor config", currentCDIs(), func() *dice.InputValues {
			in := dicetest.Input(0)
			in.Config = (*dice.DescriptorConfig)(nil)
			return &in
		}},
		{"code descriptor", currentCDIs(), func() *dice.InputValues {
			in := dicetest.Input(0)
			in.CodeDescriptor = oversized
			return &in
		}},
		{"authority descriptor", currentCDIs(), func() *dice.InputValues {
			in := dicetest.Input(0)
			in.AuthorityDescriptor = oversized
			return &in
		}},
		{"config descriptor", currentCDIs(), func() *dice.InputValues {
			in := dicetest.Input(0)
			in.Config = &dice.DescriptorConfig{Descriptor: oversized}
			return &in
		}},
	} {
		t.Run(test.name, func(t *testing.T) {
			rec := &dicetest.Recorder{Ops: ops.Ed25519{}}
			cert := make([]byte, 2048)
			next, n, err := dice.MainFlow(rec, test.current, test.input(), cert)
			if !errors.Is(err, dice.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if got := dice.ResultOf(err); got != dice.ResultInvalidInput {
				t.Fatalf("expected result %s, got %s", dice.ResultInvalidInput, got)
			}
			if n != 0 || next != (dice.CDIs{}) {
				t.Fatal("expected zero outputs")
			}
			if calls := rec.TotalCalls(); calls != 0 {
				t.Fatalf("expected no calls to ops, got %d", calls)
			}
		})
	}
}

func TestMainFlowDescriptorLimit(t *testing.T) {
	input := dicetest.Input(0)
	input.CodeDescriptor = bytes.Repeat([]byte{1}, 4096)
	cert := make([]byte, 8192)

	if _, _, err := dice.MainFlow(ops.Ed25519{}, currentCDIs(), &input, cert); !errors.Is(err, dice.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput with default limit, got %v", err)
	}
	engine := &dice.Engine{Ops: ops.Ed25519{}, MaxDescriptorSize: 4096}
	_, n, err := engine.MainFlow(currentCDIs(), &input, cert)
	if err != nil {
		t.Fatal(err)
	}
	if n <= 4096 {
		t.Fatalf("expected certificate to include the descriptor, got %d bytes", n)
	}
}

func TestEngineDescriptorLimit(t *testing.T) {
	input := dicetest.Input(1)
	input.CodeDescriptor = bytes.Repeat([]byte{2}, 2000)
	input.Config = &dice.DescriptorConfig{Descriptor: bytes.Repeat([]byte{3}, 2000)}
	uds := dicetest.UDS(0)
	seed, err := dice.DeriveCdiPrivateKeySeed(ops.Ed25519{}, &uds)
	if err != nil {
		t.Fatal(err)
	}
	cert := make([]byte, 8192)

	t.Run("default limit", func(t *testing.T) {
		if _, _, err := dice.HashInputValues(ops.Ed25519{}, &input); !errors.Is(err, dice.ErrInvalidInput) {
			t.Errorf("HashInputValues: expected ErrInvalidInput, got %v", err)
		}
		if _, err := dice.GenerateCertificate(ops.Ed25519{}, &seed, &seed, &input, cert); !errors.Is(err, dice.ErrInvalidInput) {
			t.Errorf("GenerateCertificate: expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("engine limit", func(t *testing.T) {
		engine := &dice.Engine{Ops: ops.Ed25519{}, MaxDescriptorSize: 4096}
		if _, _, err := engine.MainFlow(currentCDIs(), &input, cert); err != nil {
			t.Fatalf("MainFlow: %v", err)
		}
		if _, _, err := engine.HashInputValues(&input); err != nil {
			t.Fatalf("HashInputValues: %v", err)
		}
		n, err := engine.GenerateCertificate(&seed, &seed, &input, cert)
		if err != nil {
			t.Fatalf("GenerateCertificate: %v", err)
		}
		claims, err := dice.VerifyCertificate(ops.Ed25519{}, cert[:n], rootPublicKey(t))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(claims.CodeDescriptor, input.CodeDescriptor) {
			t.Fatal("code descriptor not in certificate")
		}
	})
}

func TestMainFlowConcurrent(t *testing.T) {
	const workers = 16
	type result struct {
		next dice.CDIs
		cert []byte
	}
	want := make([]result, 4)
	for i := range want {
		input := dicetest.Input(i)
		want[i].next, want[i].cert = mainFlow(t, ops.Ed25519{}, currentCDIs(), &input)
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	engine := &dice.Engine{Ops: ops.Ed25519{}}
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			i := w % len(want)
			input := dicetest.Input(i)
			cert := make([]byte, 2048)
			next, n, err := engine.MainFlow(currentCDIs(), &input, cert)
			if err != nil {
				errs <- err
				return
			}
			if next != want[i].next || !bytes.Equal(cert[:n], want[i].cert) {
				errs <- fmt.Errorf("worker %d: result differs from sequential run of layer %d", w, i)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func FuzzMainFlow(f *testing.F) {
	f.Add(uint16(0), byte(1), uint8(0))
	f.Add(uint16(63), byte(0x80), uint8(1))
	f.Add(uint16(200), byte(0xff), uint8(2))
	f.Add(uint16(255), byte(7), uint8(3))

	base := dicetest.Input(0)
	baseNext, _, err := dice.MainFlow(ops.Ed25519{}, currentCDIs(), &base, make([]byte, 2048))
	if err != nil {
		f.Fatal(err)
	}
	baseKey, err := dice.CdiPublicKey(ops.Ed25519{}, &baseNext.Attest)
	if err != nil {
		f.Fatal(err)
	}

	f.Fuzz(func(t *testing.T, pos uint16, flip byte, field uint8) {
		if flip == 0 {
			t.Skip()
		}
		input := dicetest.Input(0)
		cfg := input.Config.(dice.InlineConfig)
		var target []byte
		switch field % 4 {
		case 0:
			target = input.CodeHash[:]
		case 1:
			target = cfg[:]
		case 2:
			target = input.AuthorityHash[:]
		case 3:
			target = input.Hidden[:]
		}
		target[int(pos)%len(target)] ^= flip
		input.Config = cfg

		next, _, err := dice.MainFlow(ops.Ed25519{}, currentCDIs(), &input, make([]byte, 2048))
		if err != nil {
			t.Fatal(err)
		}
		key, err := dice.CdiPublicKey(ops.Ed25519{}, &next.Attest)
		if err != nil {
			t.Fatal(err)
		}
		if bytes.Equal(key, baseKey) {
			t.Fatalf("changing byte %d of field %d by %#x gave the same subject key", pos, field%4, flip)
		}
	})
}

func TestMainFlowBufferTooSmall(t *testing.T) {
	input := dicetest.Input(1)
	rec := &dicetest.Recorder{Ops: ops.Ed25519{}}

	next, size, err := dice.MainFlow(rec, currentCDIs(), &input, nil)
	if !errors.Is(err, dice.ErrBufferTooSmall) {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
	if size <= 0 {
		t.Fatalf("expected required size, got %d", size)
	}
	if next != (dice.CDIs{}) {
		t.Fatal("expected zero CDIs with ErrBufferTooSmall")
	}
	if uncleared := rec.Uncleared(); len(uncleared) > 0 {
		t.Fatalf("secrets not cleared: %s", strings.Join(uncleared, ", "))
	}

	cert := make([]byte, size-1)
	if _, n, err := dice.MainFlow(ops.Ed25519{}, currentCDIs(), &input, cert); !errors.Is(err, dice.ErrBufferTooSmall) || n != size {
		t.Fatalf("expected ErrBufferTooSmall and size %d with one byte too few, got %d, %v", size, n, err)
	}

	cert = make([]byte, size)
	_, n, err := dice.MainFlow(ops.Ed25519{}, currentCDIs(), &input, cert)
	if err != nil {
		t.Fatal(err)
	}
	if n != size {
		t.Fatalf("expected certificate of %d bytes, got %d", size, n)
	}
	if _, err := dice.VerifyCertificate(ops.Ed25519{}, cert, rootPublicKey(t)); err != nil {
		t.Fatal(err)
	}
}

func TestMainFlowClearsSecrets(t *testing.T) {
	input := dicetest.Input(1)
	input.AuthorityDescriptor = []byte("authority")

	// Count the calls made by a successful run
	success := &dicetest.Recorder{Ops: ops.Ed25519{}}
	mainFlow(t, success, currentCDIs(), &input)
	if uncleared := success.Uncleared(); len(uncleared) > 0 {
		t.Fatalf("secrets not cleared on success: %s", strings.Join(uncleared, ", "))
	}
	if success.Calls(dicetest.OpClearMemory) == 0 {
		t.Fatal("expected calls to ClearMemory")
	}

	// Fail each call in turn
	for _, op := range []string{dicetest.OpHash, dicetest.OpKDF, dicetest.OpKeypairFromSeed, dicetest.OpSign} {
		calls := success.Calls(op)
		if calls == 0 {
			t.Fatalf("expected calls to %s", op)
		}
		for call := range calls {
			t.Run(fmt.Sprintf("%s %d", op, call), func(t *testing.T) {
				rec := &dicetest.Recorder{Ops: &dicetest.Failing{Ops: ops.Ed25519{}, Op: op, Call: call}}
				cert := make([]byte, 2048)
				next, n, err := dice.MainFlow(rec, currentCDIs(), &input, cert)
				if !errors.Is(err, dice.ErrPlatform) {
					t.Fatalf("expected ErrPlatform, got %v", err)
				}
				if !errors.Is(err, dicetest.ErrInjected) {
					t.Fatalf("expected wrapped injected error, got %v", err)
				}
				if n != 0 || next != (dice.CDIs{}) {
					t.Fatal("expected zero outputs")
				}
				if uncleared := rec.Uncleared(); len(uncleared) > 0 {
					t.Fatalf("secrets not cleared: %s", strings.Join(uncleared, ", "))
				}
			})
		}
	}
}

func TestMainFlowFailureState(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	for _, test := range []struct {
		op    string
		state string
	}{
		{dicetest.OpHash, "hashing"},
		{dicetest.OpKDF, "deriving"},
		{dicetest.OpKeypairFromSeed, "key-generating"},
		{dicetest.OpSign, "signing"},
	} {
		t.Run(test.op, func(t *testing.T) {
			logs.Reset()
			input := dicetest.Input(0)
			failing := &dicetest.Failing{Ops: ops.Ed25519{}, Op: test.op}
			if _, _, err := dice.MainFlow(failing, currentCDIs(), &input, make([]byte, 2048)); err == nil {
				t.Fatal("expected error")
			}

			line := logs.String()
			if !strings.Contains(line, `msg="dice: main flow failed"`) {
				t.Fatalf("failure not logged: %q", line)
			}
			if !strings.Contains(line, " state="+test.state+" ") {
				t.Errorf("expected failure in state %s, got %q", test.state, line)
			}
			if !strings.Contains(line, `result="dice: platform error"`) {
				t.Errorf("expected platform error result, got %q", line)
			}
		})
	}
}

func TestHashInputValues(t *testing.T) {
	input := dicetest.Input(0)
	input.CodeDescriptor = nil
	cfg := input.Config.(dice.InlineConfig)

	var attestInput []byte
	attestInput = append(attestInput, input.CodeHash[:]...)
	attestInput = append(attestInput, cfg[:]...)
	attestInput = append(attestInput, input.AuthorityHash[:]...)
	attestInput = append(attestInput, byte(input.Mode))
	attestInput = append(attestInput, input.Hidden[:]...)
	var sealInput []byte
	sealInput = append(sealInput, input.AuthorityHash[:]...)
	sealInput = append(sealInput, byte(input.Mode))
	sealInput = append(sealInput, input.Hidden[:]...)

	attest, seal, err := dice.HashInputValues(ops.Ed25519{}, &input)
	if err != nil {
		t.Fatal(err)
	}
	if attest != sha512.Sum512(attestInput) {
		t.Errorf("attestation input hash: got %x", attest)
	}
	if seal != sha512.Sum512(sealInput) {
		t.Errorf("sealing input hash: got %x", seal)
	}

	t.Run("descriptor config digest", func(t *testing.T) {
		descriptor := []byte("config descriptor")
		withDescriptor := input
		withDescriptor.Config = &dice.DescriptorConfig{Descriptor: descriptor}
		withDigest := input
		withDigest.Config = &dice.DescriptorConfig{Digest: sha512.Sum512(descriptor)}

		a1, _, err := dice.HashInputValues(ops.Ed25519{}, &withDescriptor)
		if err != nil {
			t.Fatal(err)
		}
		a2, _, err := dice.HashInputValues(ops.Ed25519{}, &withDigest)
		if err != nil {
			t.Fatal(err)
		}
		if a1 != a2 {
			t.Fatal("a descriptor and its digest should derive the same CDI")
		}
	})
}

func TestDeriveCdiCertificateID(t *testing.T) {
	for i := range 64 {
		key := sha512.Sum512([]byte{byte(i)})
		id, err := dice.DeriveCdiCertificateID(ops.Ed25519{}, key[:32])
		if err != nil {
			t.Fatal(err)
		}
		if id[0]&0x80 != 0 {
			t.Fatalf("top bit of ID %s is set", id)
		}
		if id == (dice.ID{}) {
			t.Fatal("ID is zero")
		}
	}
}

func TestCdiPublicKey(t *testing.T) {
	uds := dicetest.UDS(0)
	rec := &dicetest.Recorder{Ops: ops.Ed25519{}}
	key1, err := dice.CdiPublicKey(rec, &uds)
	if err != nil {
		t.Fatal(err)
	}
	if uncleared := rec.Uncleared(); len(uncleared) > 0 {
		t.Fatalf("secrets not cleared: %s", strings.Join(uncleared, ", "))
	}
	if len(key1) != dice.PublicKeyMaxSize {
		t.Fatalf("expected %d byte key, got %d", dice.PublicKeyMaxSize, len(key1))
	}

	other := dicetest.UDS(1)
	key2, err := dice.CdiPublicKey(ops.Ed25519{}, &other)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(key1, key2) {
		t.Fatal("different CDIs produced the same public key")
	}
}

func TestResultOf(t *testing.T) {
	for _, test := range []struct {
		err    error
		result dice.Result
	}{
		{nil, dice.ResultOK},
		{dice.ErrInvalidInput, dice.ResultInvalidInput},
		{fmt.Errorf("wrapped: %w", dice.ErrBufferTooSmall), dice.ResultBufferTooSmall},
		{fmt.Errorf("%w: hash: %w", dice.ErrPlatform, dicetest.ErrInjected), dice.ResultPlatformError},
		{errors.New("other"), dice.ResultPlatformError},
	} {
		if got := dice.ResultOf(test.err); got != test.result {
			t.Errorf("ResultOf(%v) = %s, expected %s", test.err, got, test.result)
		}
	}
}

func rootPublicKey(t *testing.T) []byte {
	t.Helper()
	uds := dicetest.UDS(0)
	key, err := dice.CdiPublicKey(ops.Ed25519{}, &uds)
	if err != nil {
		t.Fatal(err)
	}
	return key
}
