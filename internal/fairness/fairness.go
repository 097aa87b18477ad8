package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
)

// Params are the house calibration inputs to the crash point derivation.
type Params struct {
	MinMultiplier           float64
	MaxMultiplier           float64
	TargetPayoutRatio       float64
	InstantCrashProbability float64
}

const hexChunkSize = 8 // 32 bits per chunk keeps the modular reduction exact

// CrashPoint derives the provably fair crash multiplier for one round
// using HMAC-SHA256 over "clientSeed:nonce" keyed by the server seed.
//
// The digest drives two decisions: a divisibility test over the full
// 256-bit value fixes the exact fraction of instant crashes, and the top
// 52 bits feed an inverse-CDF sample calibrated so the expected payout
// converges to TargetPayoutRatio. Any party holding the disclosed seed
// can replay this bit for bit.
func CrashPoint(serverSeed, clientSeed string, nonce int64, p Params) float64 {
	digest := roundDigest(serverSeed, clientSeed, nonce)

	modulus := instantCrashModulus(p.InstantCrashProbability)
	if hexMod(digest, modulus) == 0 {
		return p.MinMultiplier
	}

	u := uniformFromDigest(digest)
	k := p.TargetPayoutRatio * (1 - p.InstantCrashProbability)
	raw := k / u

	// Clamp before rounding; the order is part of the verification contract.
	clamped := math.Min(math.Max(raw, p.MinMultiplier), p.MaxMultiplier)
	return math.Round(clamped*100) / 100
}

func roundDigest(serverSeed, clientSeed string, nonce int64) string {
	h := hmac.New(sha256.New, []byte(serverSeed))
	fmt.Fprintf(h, "%s:%d", clientSeed, nonce)
	return hex.EncodeToString(h.Sum(nil))
}

func instantCrashModulus(probability float64) uint64 {
	m := uint64(math.Round(1 / probability))
	if m < 2 {
		m = 2
	}
	return m
}

// hexMod reduces the hex digest modulo m in fixed-width chunks so the
// full 256-bit value is used without native-integer precision loss.
func hexMod(digest string, m uint64) uint64 {
	var rem uint64
	for i := 0; i < len(digest); i += hexChunkSize {
		end := i + hexChunkSize
		if end > len(digest) {
			end = len(digest)
		}
		chunk := digest[i:end]
		var v uint64
		for _, c := range chunk {
			v = v<<4 | uint64(hexNibble(byte(c)))
		}
		width := uint(4 * len(chunk))
		rem = (mulMod(rem, uint64(1)<<width, m) + v%m) % m
	}
	return rem
}

func mulMod(a, b, m uint64) uint64 {
	var res uint64
	a %= m
	for b > 0 {
		if b&1 == 1 {
			res = (res + a) % m
		}
		a = (a << 1) % m
		b >>= 1
	}
	return res
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	default:
		return c - 'a' + 10
	}
}

// uniformFromDigest maps the top 52 bits of the digest to U in [0,1),
// floored away from zero so the inverse-CDF division stays bounded.
func uniformFromDigest(digest string) float64 {
	var bits uint64
	for _, c := range digest[:13] { // 13 hex chars = 52 bits
		bits = bits<<4 | uint64(hexNibble(byte(c)))
	}
	u := float64(bits) / float64(uint64(1)<<52)
	return math.Max(u, 1e-12)
}

// GenerateSeed creates a cryptographically secure 256-bit seed as hex.
func GenerateSeed() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// GenerateClientSeed creates the public 128-bit per-round seed as hex.
func GenerateClientSeed() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Commitment is the SHA-256 hash published before a seed is used.
func Commitment(seed string) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:])
}
