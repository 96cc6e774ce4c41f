// Package stable handles amounts of the custodied stable asset, which
// carries 6 decimal places on chain.
package stable

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the on-chain precision of the asset.
const Decimals = 6

// ErrInvalidAmount is returned for amounts that cannot be represented
// in base units.
var ErrInvalidAmount = errors.New("stable: invalid amount")

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Parse converts a decimal string like "12.50" into base units
// (12500000). Negative amounts and more than 6 fractional digits are
// rejected.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("%w: negative: %s", ErrInvalidAmount, s)
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("%w: more than %d decimal places: %s", ErrInvalidAmount, Decimals, s)
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	w, ok := new(big.Int).SetString(whole, 10)
	if !ok || w.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, s)
	}
	f, ok := new(big.Int).SetString(frac, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, s)
	}

	return w.Mul(w, unit).Add(w, f), nil
}

// MustParse is Parse for constants in tests and wiring; it panics on
// malformed input.
func MustParse(s string) *big.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders base units as a decimal string, trimming trailing
// fractional zeros ("12500000" -> "12.5", "1000000" -> "1").
func Format(v *big.Int) string {
	if v == nil {
		return "0"
	}
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)

	q, r := new(big.Int).QuoRem(abs, unit, new(big.Int))
	out := q.String()
	if r.Sign() > 0 {
		frac := fmt.Sprintf("%0*d", Decimals, r)
		frac = strings.TrimRight(frac, "0")
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}
