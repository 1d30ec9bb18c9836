package validate

import (
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// USDC has 6 decimals; anything finer cannot be paid.
const priceDecimals = 6

var (
	reSlug  = regexp.MustCompile(`^[A-Za-z0-9]{6,32}$`)
	reAppID = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)
	reSig   = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)

	maxPrice = decimal.NewFromInt(1_000_000)
)

// Address validates a 0x-prefixed EVM address and returns it lowercased.
func Address(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return "", false
	}
	return strings.ToLower(s), true
}

// Price parses a positive USDC amount with at most 6 fractional digits.
func Price(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 24 {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() || d.GreaterThan(maxPrice) {
		return decimal.Zero, false
	}
	if d.Exponent() < -priceDecimals && !d.Equal(d.Truncate(priceDecimals)) {
		return decimal.Zero, false
	}
	return d, true
}

// URL accepts absolute http(s) URLs only.
func URL(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 2048 {
		return "", false
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return "", false
	}
	return s, true
}

func Slug(s string) (string, bool) {
	s = strings.TrimSpace(s)
	return s, reSlug.MatchString(s)
}

func AppID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	return s, reAppID.MatchString(s)
}

// Text validates free-form display text with a max length.
func Text(s string, max int) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > max || strings.ContainsRune(s, 0) {
		return "", false
	}
	return s, true
}

// MaxUses accepts -1 (unlimited) or a positive cap.
func MaxUses(n int64) bool {
	return n == -1 || (n >= 1 && n <= 1_000_000)
}

func Chain(id int64, supported []int64) bool {
	return slices.Contains(supported, id)
}

// Signature checks the 65-byte hex shape only; recovery happens elsewhere.
func Signature(s string) (string, bool) {
	s = strings.TrimSpace(s)
	return s, reSig.MatchString(s)
}

// Limit parses a page size, defaulting to 20 and clamping to 100.
func Limit(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 20
	}
	if n > 100 {
		return 100
	} // clamp to avoid abuse
	return n
}

func Offset(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
