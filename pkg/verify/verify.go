// Package verify is a standalone reimplementation of the crash point
// derivation, kept free of any project or third-party dependency so that
// auditors can vendor this single file and replay any disclosed round.
// It intentionally does not import the engine's own fairness package;
// agreement between the two is part of the test suite.
package verify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"regexp"
)

// Defaults used when the operator runs the house at standard calibration.
const (
	DefaultMinMultiplier           = 1.00
	DefaultMaxMultiplier           = 1000000.00
	DefaultTargetPayoutRatio       = 0.97
	DefaultInstantCrashProbability = 0.01
)

var (
	ErrBadServerSeed = errors.New("verify: server seed must be 64 hex characters")
	ErrBadClientSeed = errors.New("verify: client seed must be 32 hex characters")
	ErrBadNonce      = errors.New("verify: nonce must be positive")
)

var hexRe = regexp.MustCompile(`^[0-9a-f]+$`)

// Input is one round's disclosed material plus optional calibration
// overrides. Zero-valued calibration fields fall back to the defaults.
type Input struct {
	ServerSeed              string
	ClientSeed              string
	Nonce                   int64
	MinMultiplier           float64
	MaxMultiplier           float64
	TargetPayoutRatio       float64
	InstantCrashProbability float64
}

// CrashPoint replays the full derivation for one round and returns the
// multiplier the engine must have produced for the same inputs.
func CrashPoint(in Input) (float64, error) {
	if len(in.ServerSeed) != 64 || !hexRe.MatchString(in.ServerSeed) {
		return 0, ErrBadServerSeed
	}
	if len(in.ClientSeed) != 32 || !hexRe.MatchString(in.ClientSeed) {
		return 0, ErrBadClientSeed
	}
	if in.Nonce <= 0 {
		return 0, ErrBadNonce
	}

	minMult := in.MinMultiplier
	if minMult == 0 {
		minMult = DefaultMinMultiplier
	}
	maxMult := in.MaxMultiplier
	if maxMult == 0 {
		maxMult = DefaultMaxMultiplier
	}
	ratio := in.TargetPayoutRatio
	if ratio == 0 {
		ratio = DefaultTargetPayoutRatio
	}
	instant := in.InstantCrashProbability
	if instant == 0 {
		instant = DefaultInstantCrashProbability
	}

	// Step 1: keyed digest over "clientSeed:nonce".
	mac := hmac.New(sha256.New, []byte(in.ServerSeed))
	fmt.Fprintf(mac, "%s:%d", in.ClientSeed, in.Nonce)
	digest := hex.EncodeToString(mac.Sum(nil))

	// Step 2: instant-crash divisibility test over the whole 256-bit value.
	modulus := int64(math.Round(1 / instant))
	if modulus < 2 {
		modulus = 2
	}
	n, _ := new(big.Int).SetString(digest, 16)
	if new(big.Int).Mod(n, big.NewInt(modulus)).Sign() == 0 {
		return minMult, nil
	}

	// Step 3: top 52 bits -> uniform U in [0,1), floored away from zero.
	var bits uint64
	for i := 0; i < 13; i++ {
		v, _ := hexDigit(digest[i])
		bits = bits<<4 | uint64(v)
	}
	u := float64(bits) / float64(uint64(1)<<52)
	if u < 1e-12 {
		u = 1e-12
	}

	// Steps 4-6: calibrated inverse CDF, clamp, then round to 2 decimals.
	raw := ratio * (1 - instant) / u
	if raw < minMult {
		raw = minMult
	}
	if raw > maxMult {
		raw = maxMult
	}
	return math.Round(raw*100) / 100, nil
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}
