// Package instrument handles instrument symbol parsing and validation of the
// per-round price matrix an operator must supply before a game can start.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-game/internal/model"
)

// symbolRegex matches an upper-case ticker: a letter followed by up to
// eleven letters, digits or dots. Example: ACME, BRK.B, X1
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,11}$`)

var (
	ErrInvalidSymbol = errors.New("instrument: invalid symbol")
	ErrInvalidPrice  = errors.New("instrument: price must be positive")
	ErrDuplicate     = errors.New("instrument: duplicate symbol in price list")
	ErrIncomplete    = errors.New("instrument: price matrix incomplete")
)

// ParseSymbol normalises and validates a symbol. Surrounding whitespace is
// trimmed and letters are upper-cased before matching.
func ParseSymbol(raw string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %q (expected 1-12 chars A-Z, 0-9, '.', starting with a letter)",
			ErrInvalidSymbol, raw)
	}
	return sym, nil
}

// ValidatePrice rejects zero and negative prices.
func ValidatePrice(p decimal.Decimal) error {
	if !p.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, p)
	}
	return nil
}

// Cell identifies one missing entry of a price matrix.
type Cell struct {
	Round  int    `json:"round"`
	Symbol string `json:"symbol"`
}

func (c Cell) String() string { return fmt.Sprintf("%s@%d", c.Symbol, c.Round) }

// MissingCells returns every (round, symbol) pair in 1..totalRounds × symbols
// that has no positive price, sorted by round then symbol.
func MissingCells(symbols []string, totalRounds int, prices []model.RoundPrice) []Cell {
	have := make(map[Cell]bool, len(prices))
	for _, p := range prices {
		if p.Price.IsPositive() {
			have[Cell{Round: p.RoundNumber, Symbol: p.Symbol}] = true
		}
	}

	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)

	var missing []Cell
	for round := 1; round <= totalRounds; round++ {
		for _, sym := range sorted {
			c := Cell{Round: round, Symbol: sym}
			if !have[c] {
				missing = append(missing, c)
			}
		}
	}
	return missing
}

// CheckMatrix returns ErrIncomplete listing up to ten missing cells when the
// matrix does not cover every instrument in every round.
func CheckMatrix(symbols []string, totalRounds int, prices []model.RoundPrice) error {
	missing := MissingCells(symbols, totalRounds, prices)
	if len(missing) == 0 {
		return nil
	}
	shown := missing
	if len(shown) > 10 {
		shown = shown[:10]
	}
	parts := make([]string, len(shown))
	for i, c := range shown {
		parts[i] = c.String()
	}
	return fmt.Errorf("%w: %d missing (%s)", ErrIncomplete, len(missing), strings.Join(parts, ", "))
}

// PriceInput is one entry of an operator-supplied price list.
type PriceInput struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// NormalizePrices parses every symbol, rejects non-positive prices and
// duplicates, and returns the list as RoundPrices for the given round.
func NormalizePrices(gameID string, round int, in []PriceInput) ([]model.RoundPrice, error) {
	seen := make(map[string]bool, len(in))
	out := make([]model.RoundPrice, 0, len(in))
	for _, p := range in {
		sym, err := ParseSymbol(p.Symbol)
		if err != nil {
			return nil, err
		}
		if err := ValidatePrice(p.Price); err != nil {
			return nil, fmt.Errorf("%s: %w", sym, err)
		}
		if seen[sym] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, sym)
		}
		seen[sym] = true
		out = append(out, model.RoundPrice{
			GameID:      gameID,
			RoundNumber: round,
			Symbol:      sym,
			Price:       p.Price,
		})
	}
	return out, nil
}

// PriceMap indexes round prices by symbol.
func PriceMap(prices []model.RoundPrice) map[string]decimal.Decimal {
	m := make(map[string]decimal.Decimal, len(prices))
	for _, p := range prices {
		m[p.Symbol] = p.Price
	}
	return m
}
