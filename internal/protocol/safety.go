package protocol

import (
	"bytes"
	"crypto/sha512"
	"strings"
)

const (
	// safetyNumberIterations makes brute-forcing a key that renders a chosen
	// number expensive. Matches the iteration count used by Signal clients.
	safetyNumberIterations = 5200
	safetyNumberVersion    = "keycore-sn-v1"

	safetyNumberGroupSize  = 5
	safetyNumberGroupCount = 6
)

// SafetyNumber is a human-comparable fingerprint of two identity keys. Both
// participants compute the identical value regardless of argument order.
type SafetyNumber struct {
	// Digits is the raw 60-digit decimal value, used for equality checks.
	Digits string
	// DisplayText groups the digits into space-separated blocks of five for
	// manual comparison.
	DisplayText string
}

// ComputeSafetyNumber derives the fingerprint for a pair of identity keys.
// The pair is canonicalized by comparing raw key bytes, so compute(A,B) and
// compute(B,A) are bit-for-bit identical.
func ComputeSafetyNumber(identityKeyA, identityKeyB [32]byte) SafetyNumber {
	first, second := identityKeyA, identityKeyB
	if bytes.Compare(first[:], second[:]) > 0 {
		first, second = second, first
	}
	digits := fingerprintDigits(first) + fingerprintDigits(second)

	var groups []string
	for i := 0; i < len(digits); i += safetyNumberGroupSize {
		groups = append(groups, digits[i:i+safetyNumberGroupSize])
	}
	return SafetyNumber{Digits: digits, DisplayText: strings.Join(groups, " ")}
}

// fingerprintDigits hashes one identity key with an iterated SHA-512 and
// renders the digest as six five-digit decimal groups.
func fingerprintDigits(key [32]byte) string {
	digest := sha512.Sum512(append([]byte(safetyNumberVersion), key[:]...))
	for i := 1; i < safetyNumberIterations; i++ {
		digest = sha512.Sum512(append(digest[:], key[:]...))
	}

	var b strings.Builder
	for i := 0; i < safetyNumberGroupCount; i++ {
		chunk := digest[i*5 : i*5+5]
		v := uint64(chunk[0])<<32 | uint64(chunk[1])<<24 | uint64(chunk[2])<<16 | uint64(chunk[3])<<8 | uint64(chunk[4])
		writeFiveDigits(&b, v%100000)
	}
	return b.String()
}

func writeFiveDigits(b *strings.Builder, v uint64) {
	var buf [5]byte
	for i := 4; i >= 0; i-- {
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	b.Write(buf[:])
}
