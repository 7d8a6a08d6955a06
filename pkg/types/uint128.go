package types

import (
	"fmt"
	"math/big"
)

// Uint128 is an unsigned 128-bit integer, used for chain weight and
// total_iters accumulators that can outgrow a uint64 over a long chain.
// It stores the value as high/low 64-bit halves rather than reaching for
// math/big on the hot path; big.Int is used only for the string and JSON
// conversions below.
type Uint128 struct {
	Hi uint64
	Lo uint64
}

// NewUint128FromUint64 builds a Uint128 from a plain uint64.
func NewUint128FromUint64(v uint64) Uint128 {
	return Uint128{Lo: v}
}

// IsZero reports whether the value is zero.
func (u Uint128) IsZero() bool {
	return u.Hi == 0 && u.Lo == 0
}

// Cmp returns -1, 0, or 1 if u is less than, equal to, or greater than o.
func (u Uint128) Cmp(o Uint128) int {
	if u.Hi != o.Hi {
		if u.Hi < o.Hi {
			return -1
		}
		return 1
	}
	switch {
	case u.Lo < o.Lo:
		return -1
	case u.Lo > o.Lo:
		return 1
	default:
		return 0
	}
}

// Add returns u + o, wrapping silently on overflow past 2^128 (not expected
// for any realistic chain weight).
func (u Uint128) Add(o Uint128) Uint128 {
	lo := u.Lo + o.Lo
	carry := uint64(0)
	if lo < u.Lo {
		carry = 1
	}
	return Uint128{Hi: u.Hi + o.Hi + carry, Lo: lo}
}

// AddUint64 returns u + v.
func (u Uint128) AddUint64(v uint64) Uint128 {
	return u.Add(NewUint128FromUint64(v))
}

// Sub returns u - o. Behavior is undefined (wraps) if o > u; callers must
// only subtract within invariants they've already checked (e.g. weight is
// monotonic along a chain).
func (u Uint128) Sub(o Uint128) Uint128 {
	lo := u.Lo - o.Lo
	borrow := uint64(0)
	if u.Lo < o.Lo {
		borrow = 1
	}
	return Uint128{Hi: u.Hi - o.Hi - borrow, Lo: lo}
}

// BigInt converts u to a *big.Int, for display or arbitrary-precision math.
func (u Uint128) BigInt() *big.Int {
	hi := new(big.Int).SetUint64(u.Hi)
	hi.Lsh(hi, 64)
	return hi.Or(hi, new(big.Int).SetUint64(u.Lo))
}

// String renders the value in decimal.
func (u Uint128) String() string {
	return u.BigInt().String()
}

// MarshalJSON encodes the value as a decimal string so it survives
// round-tripping through JSON number precision limits.
func (u Uint128) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", u.String())), nil
}

// UnmarshalJSON decodes a decimal string (quoted or bare) into a Uint128.
func (u *Uint128) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	bi, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid uint128 %q", s)
	}
	if bi.Sign() < 0 {
		return fmt.Errorf("uint128 must be non-negative, got %q", s)
	}
	mask := new(big.Int).SetUint64(^uint64(0))
	lo := new(big.Int).And(bi, mask)
	hi := new(big.Int).Rsh(bi, 64)
	if !hi.IsUint64() {
		return fmt.Errorf("uint128 overflow: %q", s)
	}
	u.Lo = lo.Uint64()
	u.Hi = hi.Uint64()
	return nil
}
