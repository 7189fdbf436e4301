// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

//go:build tinygo

package sqlite

import "errors"

// Open always fails with TinyGo, because the driver embeds a WASM runtime.
// Use New with another database/sql driver instead.
func Open(filename, password string) (*DB, error) {
	return nil, errors.New("sqlite: Open is not supported by TinyGo")
}
