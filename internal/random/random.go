// Package random generates cryptographically random strings for codes,
// challenge strings and tokens.
package random

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

const (
	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	digits       = "0123456789"
)

// String returns n characters drawn uniformly from [A-Za-z0-9].
func String(n int) string {
	return fromAlphabet(alphanumeric, n)
}

// Digits returns n characters drawn uniformly from [0-9].
func Digits(n int) string {
	return fromAlphabet(digits, n)
}

// Intn returns a uniform integer in [0, n).
func Intn(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return int(v.Int64())
}

// Hex generates a cryptographically random hex string of the given byte length.
func Hex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

func fromAlphabet(alphabet string, n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = alphabet[Intn(len(alphabet))]
	}

	return string(out)
}
