// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package dice

import (
	"errors"
	"fmt"
)

// Result is the outcome of a DICE operation. The non-OK results implement
// error and are returned directly or wrapped, so they can be tested with
// [errors.Is].
type Result uint8

// Results
const (
	ResultOK Result = iota
	ResultInvalidInput
	ResultBufferTooSmall
	ResultPlatformError
)

// Sentinel errors for each failing Result.
var (
	// ErrInvalidInput is returned when input values are malformed or
	// oversized. No cryptographic primitive is invoked before it is returned.
	ErrInvalidInput error = ResultInvalidInput

	// ErrBufferTooSmall is returned when an output buffer cannot hold the
	// result. It is recoverable by retrying with a buffer of the reported
	// size.
	ErrBufferTooSmall error = ResultBufferTooSmall

	// ErrPlatform is returned when a cryptographic primitive fails or when
	// an encoding cannot be represented. It is not recoverable.
	ErrPlatform error = ResultPlatformError
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultInvalidInput:
		return "invalid input"
	case ResultBufferTooSmall:
		return "buffer too small"
	case ResultPlatformError:
		return "platform error"
	}
	return fmt.Sprintf("result(%d)", uint8(r))
}

// Error implements error. It should not be called on ResultOK.
func (r Result) Error() string { return "dice: " + r.String() }

// ResultOf returns the Result carried by err. A nil error is ResultOK and an
// error which carries no Result is ResultPlatformError.
func ResultOf(err error) Result {
	if err == nil {
		return ResultOK
	}
	var r Result
	if errors.As(err, &r) {
		return r
	}
	return ResultPlatformError
}

// ErrNotFound is used when a device or certificate is not present in a
// ChainState.
var ErrNotFound = errors.New("not found")

// ErrCryptoVerifyFailed indicates that a certificate signature did not verify.
var ErrCryptoVerifyFailed = errors.New("cryptographic verification failed")

// ErrInvalidCertificate indicates that a certificate could not be parsed or
// that its claims are inconsistent with the chain it is part of.
var ErrInvalidCertificate = errors.New("invalid certificate")

func invalidInput(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, a...))
}

// platformError marks an error returned by Ops as fatal to the current call.
func platformError(op string, err error) error {
	if errors.Is(err, ErrPlatform) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrPlatform, op, err)
}
