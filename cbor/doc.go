// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

/*
Package cbor implements a write-only subset of RFC 8949 Concise Binary Object
Representation (CBOR) over caller-owned buffers.

Supported:

  - Signed and unsigned integers up to 64 bits
  - Byte strings and text strings (definite length)
  - Array and map headers (definite length)
  - The simple values false, true, and null

Not supported:

  - Decoding of any kind
  - Indefinite length items, tags, and floats
  - UTF-8 validation of text strings
  - Tracking that an array or map header is followed by the declared number
    of items

Every integer and length is written in its shortest form, so encodings are
deterministic and suitable for signing.

# Two passes

Encodings are produced by running the same sequence of writes twice. The first
pass uses a counter to find the total size, and the second pass writes into a
buffer of exactly that size.

	encode := func(out *cbor.Out) {
		out.WriteArray(2)
		out.WriteInt(-7)
		out.WriteTstr("hello")
	}

	counter := cbor.NewCounter()
	encode(counter)

	buf := make([]byte, counter.Size())
	w := cbor.NewWriter(buf)
	encode(w)

Both passes perform the same overflow checks. A counter never touches memory,
so it may be used to measure encodings which could never be allocated.

# Failures

Every Write method returns the number of bytes the item takes, or 0 when the
item does not fit in the remaining buffer or the offset would overflow. No
bytes past the previous offset are written on failure, but the offset itself
is left undefined; reset it before reusing the cursor.
*/
package cbor
