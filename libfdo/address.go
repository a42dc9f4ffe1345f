// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

// Package libfdo provides the primitive types shared by the profile
// decoding pipeline: code addresses, function intervals and
// overflow-aware sample counters.
package libfdo // import "github.com/fdo-tools/fdoprof/libfdo"

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// Address represents a runtime code address in the profiled binary.
type Address uint64

// Hash32 returns a 32 bits hash of the address.
// Its main purpose is to be used as key for caching.
func (a Address) Hash32() uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(a))
	return uint32(xxh3.Hash(buf[:]))
}

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// ParseAddress parses a hexadecimal address, with or without a leading "0x".
func ParseAddress(s string) (Address, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return Address(v), nil
}
