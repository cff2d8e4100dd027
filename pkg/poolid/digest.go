// Package poolid implements the digest identity scheme for pool objects:
// shard/sub-shard derivation, the EmptyMD5 sentinel, and the collision
// chain extension used when two distinct contents hash to the same
// 16-byte prefix.
package poolid

import (
	"encoding/hex"
	"strings"

	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// PrimaryLen is the length in bytes of an unextended pool digest.
const PrimaryLen = 16

// EmptyMD5Hex is the digest of the empty object, encoded as lowercase hex.
// It is excluded from link-max and missing-file diagnostics.
const EmptyMD5Hex = "d41d8cd98f00b204e9800998ecf8427e"

// EmptyMD5 is the raw-byte form of EmptyMD5Hex.
var EmptyMD5 = mustDecode(EmptyMD5Hex)

func mustDecode(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// Digest is an opaque pool object identifier: 16 bytes for a primary
// entry, 17 or more when a collision-chain extension has been appended.
// Two Digests name the same object iff their raw bytes are equal.
type Digest []byte

// Parse decodes a hex string into a Digest, validating its length.
func Parse(hexStr string) (Digest, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed digest %q", hexStr)
	}
	if len(b) < PrimaryLen {
		return nil, errors.Errorf("digest %q shorter than %d bytes", hexStr, PrimaryLen)
	}
	return Digest(b), nil
}

// String renders the digest as lowercase hex, the same form used for pool
// object file names.
func (d Digest) String() string {
	return hex.EncodeToString(d)
}

// Canonical returns an opencontainers/go-digest value wrapping the raw
// bytes, for log correlation and anywhere the rest of the ecosystem
// expects the standard digest.Digest shape.
func (d Digest) Canonical() digest.Digest {
	return digest.NewDigestFromBytes("md5", d)
}

// IsEmpty reports whether d is the sentinel digest of the empty object.
func (d Digest) IsEmpty() bool {
	return d.Primary().Equal(Digest(EmptyMD5))
}

// Primary returns the first PrimaryLen bytes — the chain's root identity.
func (d Digest) Primary() Digest {
	if len(d) <= PrimaryLen {
		return d
	}
	return d[:PrimaryLen]
}

// Equal reports byte-wise equality.
func (d Digest) Equal(o Digest) bool {
	if len(d) != len(o) {
		return false
	}
	for i := range d {
		if d[i] != o[i] {
			return false
		}
	}
	return true
}

// Shard returns the top-shard id in 0..127, derived from the high byte
// with its low bit discarded.
func (d Digest) Shard() int {
	return int(d[0] >> 1)
}

// SubShard returns the filesystem sub-shard id in 0..127, derived
// identically from the second byte.
func (d Digest) SubShard() int {
	return int(d[1] >> 1)
}

// ShardHex renders a shard id as the two-hex-digit directory name used on
// disk: shard*2 in upper-case hex, e.g. shard 0 -> "00", shard 127 ->
// "FE", matching the poolCnt.<c>.<ss> naming convention.
func ShardHex(shard int) string {
	return strings.ToUpper(hex.EncodeToString([]byte{byte(shard * 2)}))
}

// Ext returns the chain extension index encoded in a digest longer than
// PrimaryLen, or 0 for a primary (unextended) digest. The extension is a
// single trailing byte: digest || byte(n), n >= 1.
func Ext(d Digest) int {
	if len(d) <= PrimaryLen {
		return 0
	}
	return int(d[PrimaryLen])
}

// Concat appends chain extension n (n >= 1) to the primary 16 bytes of d,
// returning the digest for the n-th chained slot. Class is accepted for
// symmetry with the pool-path collaborator but does not affect the
// digest's own bytes — compression classes are disjoint namespaces keyed
// by the same digest.
func Concat(d Digest, n int, _ int) Digest {
	primary := d.Primary()
	out := make(Digest, PrimaryLen+1)
	copy(out, primary)
	out[PrimaryLen] = byte(n)
	return out
}
