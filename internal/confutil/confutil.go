// Package confutil provides helpers for coercing optional,
// string-encoded configuration into typed values with floors and
// defaults.
package confutil

import (
	"math/big"
	"time"
)

// IntMin returns def if val is unset, min if *val is below min, and
// *val otherwise. Used to clamp
// pool sizes and fan-outs to a sane floor without rejecting config.
func IntMin(val *int, min int, def int) int {
	if val == nil {
		return def
	}
	if *val < min {
		return min
	}
	return *val
}

// Int returns *val if set, otherwise def.
func Int(val *int, def int) int {
	if val == nil {
		return def
	}
	return *val
}

// DurationMin parses a duration string (Go duration syntax, e.g. "250ms"),
// clamping below min, falling back to def when unset or unparsable.
func DurationMin(val *string, min time.Duration, def time.Duration) time.Duration {
	if val == nil || *val == "" {
		return def
	}
	d, err := time.ParseDuration(*val)
	if err != nil {
		return def
	}
	if d < min {
		return min
	}
	return d
}

// BigIntOrNil parses a decimal/hex string into a *big.Int, returning nil
// if val is nil, empty, or unparsable.
func BigIntOrNil(val *string) *big.Int {
	if val == nil || *val == "" {
		return nil
	}
	n, ok := new(big.Int).SetString(*val, 0)
	if !ok {
		return nil
	}
	return n
}
