// Package format normalises wallet addresses and monetary amounts shared by the
// marketplace services. Everything here is pure.
package format

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAddress is returned when a wallet address is not a 20 byte hex string.
	ErrInvalidAddress = errors.New("format: invalid wallet address")
	// ErrInvalidAmount is returned when an amount cannot be parsed or is not positive.
	ErrInvalidAmount = errors.New("format: invalid amount")
	// ErrInvalidRate is returned when a conversion rate is zero or negative.
	ErrInvalidRate = errors.New("format: rate must be positive")
)

// DefaultPrecision is the number of decimal places kept for crypto amounts.
const DefaultPrecision int32 = 8

// NormalizeAddress validates a hex wallet address and returns its EIP-55
// checksummed form. The zero address is rejected.
func NormalizeAddress(addr string) (string, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	parsed := common.HexToAddress(trimmed)
	if parsed == (common.Address{}) {
		return "", fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	return parsed.Hex(), nil
}

// IsValidAddress reports whether NormalizeAddress would accept addr.
func IsValidAddress(addr string) bool {
	_, err := NormalizeAddress(addr)
	return err == nil
}

// SameAddress compares two addresses ignoring case and surrounding whitespace.
func SameAddress(a, b string) bool {
	na, errA := NormalizeAddress(a)
	nb, errB := NormalizeAddress(b)
	if errA != nil || errB != nil {
		return false
	}
	return na == nb
}

// ShortenAddress renders 0x1234...abcd for display. Inputs that are not valid
// addresses are returned trimmed but otherwise untouched.
func ShortenAddress(addr string) string {
	normalized, err := NormalizeAddress(addr)
	if err != nil {
		return strings.TrimSpace(addr)
	}
	return normalized[:6] + "..." + normalized[len(normalized)-4:]
}

// ParseAmount parses a positive decimal amount such as "100" or "0.25".
func ParseAmount(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%w: amount required", ErrInvalidAmount)
	}
	amount, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	return amount, nil
}

// FormatAmount renders amount with at most places decimals, trailing zeros
// removed, followed by the upper-cased symbol when one is given.
func FormatAmount(amount decimal.Decimal, symbol string, places int32) string {
	rendered := amount.Round(places).String()
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return rendered
	}
	return rendered + " " + symbol
}

// CryptoAmount converts a fiat price into a crypto amount using rate (fiat per
// unit of crypto), rounded to places decimals.
func CryptoAmount(price, rate decimal.Decimal, places int32) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: price must be positive", ErrInvalidAmount)
	}
	if !rate.IsPositive() {
		return decimal.Zero, ErrInvalidRate
	}
	amount := price.DivRound(rate, places)
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount rounds to zero", ErrInvalidAmount)
	}
	return amount, nil
}

// Commission returns amount * bps / 10000 rounded to places decimals.
func Commission(amount decimal.Decimal, bps uint32, places int32) decimal.Decimal {
	if bps == 0 || !amount.IsPositive() {
		return decimal.Zero
	}
	return amount.Mul(decimal.NewFromInt(int64(bps))).DivRound(decimal.NewFromInt(10_000), places)
}

// ToBaseUnits scales amount by 10^decimals into an integer suitable for a
// uint256 contract argument. Fractions below one base unit are truncated.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	scaled := amount.Shift(int32(decimals)).Truncate(0).BigInt()
	if _, overflow := uint256.FromBig(scaled); overflow {
		return nil, fmt.Errorf("%w: exceeds uint256", ErrInvalidAmount)
	}
	return scaled, nil
}

// FromBaseUnits is the inverse of ToBaseUnits.
func FromBaseUnits(units *big.Int, decimals uint8) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -int32(decimals))
}
