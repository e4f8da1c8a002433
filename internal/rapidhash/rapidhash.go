// Package rapidhash implements the rapidhash non-cryptographic hash,
// used to compute the 64-bit command hash that the build log compares
// across runs to decide whether a command line changed.
//
// The algorithm must be deterministic across platforms and architectures
// so that a build log written on one machine can be read on another; it
// uses explicit little-endian byte reads for that reason rather than
// reading through a machine word.
package rapidhash

import (
	"encoding/binary"

	"lukechampine.com/uint128"
)

const defaultSeed uint64 = 0xbdd89aa982704029

var secret = [3]uint64{0x2d358dccaa6c78a5, 0x8bb84b93962eacc9, 0x4b33a62ed433d4a3}

func mum(a, b uint64) (uint64, uint64) {
	r := uint128.From64(a).Mul(uint128.From64(b))
	return r.Lo, r.Hi
}

func mix(a, b uint64) uint64 {
	lo, hi := mum(a, b)
	return lo ^ hi
}

func readSmall(p []byte, k int) uint64 {
	return uint64(p[0])<<56 | uint64(p[k>>1])<<32 | uint64(p[k-1])
}

func core(key []byte, seed uint64) uint64 {
	n := len(key)
	seed ^= mix(seed^secret[0], secret[1]) ^ uint64(n)

	var a, b uint64
	p := key

	switch {
	case n >= 4 && n <= 16:
		plast := n - 4
		a = uint64(binary.LittleEndian.Uint32(p))<<32 | uint64(binary.LittleEndian.Uint32(p[plast:]))
		delta := (n & 24) >> (n >> 3)
		b = uint64(binary.LittleEndian.Uint32(p[delta:]))<<32 | uint64(binary.LittleEndian.Uint32(p[plast-delta:]))
	case n > 0 && n < 4:
		a = readSmall(p, n)
		b = 0
	case n == 0:
		a, b = 0, 0
	default:
		i := n
		if i > 48 {
			see1, see2 := seed, seed
			for i >= 48 {
				seed = mix(binary.LittleEndian.Uint64(p)^secret[0], binary.LittleEndian.Uint64(p[8:])^seed)
				see1 = mix(binary.LittleEndian.Uint64(p[16:])^secret[1], binary.LittleEndian.Uint64(p[24:])^see1)
				see2 = mix(binary.LittleEndian.Uint64(p[32:])^secret[2], binary.LittleEndian.Uint64(p[40:])^see2)
				p = p[48:]
				i -= 48
			}
			seed ^= see1 ^ see2
		}
		if i > 16 {
			seed = mix(binary.LittleEndian.Uint64(p)^secret[2], binary.LittleEndian.Uint64(p[8:])^seed^secret[1])
			if i > 32 {
				seed = mix(binary.LittleEndian.Uint64(p[16:])^secret[2], binary.LittleEndian.Uint64(p[24:])^seed)
			}
		}
		a = binary.LittleEndian.Uint64(key[n-16:])
		b = binary.LittleEndian.Uint64(key[n-8:])
	}

	a ^= secret[1]
	b ^= seed
	lo, hi := mum(a, b)
	return mix(lo^secret[0]^uint64(n), hi^secret[1])
}

// HashSeed hashes data with an explicit seed.
func HashSeed(data []byte, seed uint64) uint64 {
	return core(data, seed)
}

// Hash hashes data with the package's fixed default seed. Used for
// HashCommand: the same command string always yields the same hash,
// on any platform.
func Hash(data []byte) uint64 {
	return core(data, defaultSeed)
}

// HashString is a convenience wrapper avoiding a caller-side []byte(s)
// conversion in hot paths.
func HashString(s string) uint64 {
	return Hash([]byte(s))
}
