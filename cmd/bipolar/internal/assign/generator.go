// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assign

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// generator is a SHA-256 counter-mode stream of uint64 values.
//
// Block k is SHA-256(key || le64(k)); each block yields four
// little-endian words in order. The stream is fixed for a given key
// across Go versions and platforms, which math/rand does not promise.
type generator struct {
	key     [sha256.Size]byte
	counter uint64
	block   [sha256.Size]byte
	offset  int
}

func newGenerator(seed uint64, name string) *generator {
	material := make([]byte, 8, 8+len(name))
	binary.LittleEndian.PutUint64(material, seed)
	material = append(material, name...)
	return &generator{
		key:    sha256.Sum256(material),
		offset: sha256.Size,
	}
}

func (g *generator) next() uint64 {
	if g.offset == sha256.Size {
		var in [sha256.Size + 8]byte
		copy(in[:], g.key[:])
		binary.LittleEndian.PutUint64(in[sha256.Size:], g.counter)
		g.block = sha256.Sum256(in[:])
		g.counter++
		g.offset = 0
	}
	v := binary.LittleEndian.Uint64(g.block[g.offset:])
	g.offset += 8
	return v
}

// below returns a uniform value in [0, n) using rejection sampling.
// n must be positive.
func (g *generator) below(n uint64) uint64 {
	// 2^64 mod n; values at or above 2^64 - rem would bias the result.
	rem := -n % n
	for {
		v := g.next()
		if v <= math.MaxUint64-rem {
			return v % n
		}
	}
}
