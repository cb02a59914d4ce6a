package assets

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// DefaultDecimals applies only to well-formed addresses missing from the registry.
const DefaultDecimals uint8 = 18

var (
	ErrMalformedAddress = errors.New("malformed address")
	ErrUnknownAsset     = errors.New("unknown asset")
	ErrNativeAsset      = errors.New("native asset not allowed")
	ErrInvalidAmount    = errors.New("invalid amount")
)

// Token is a registry entry.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
	Native   bool
}

// DefaultTokens returns the built-in token table.
func DefaultTokens() []Token {
	return []Token{
		{Symbol: "ETH", Address: common.Address{}, Decimals: 18, Native: true},
		{Symbol: "WETH", Address: common.HexToAddress("0x4200000000000000000000000000000000000006"), Decimals: 18},
		{Symbol: "USDC", Address: common.HexToAddress("0x31d0220469e10c4E71834a79b1f276d740d3768F"), Decimals: 6},
	}
}

var nativeMarkers = map[string]struct{}{
	"ETH":    {},
	"NATIVE": {},
	"0X":     {},
	"0X0":    {},
}

// Registry resolves symbols, aliases and addresses to canonical tokens.
type Registry struct {
	bySymbol    map[string]Token
	byAddress   map[common.Address]Token
	allowNative bool
}

// NewRegistry builds a registry. Later entries override earlier ones with the same symbol.
func NewRegistry(tokens []Token, allowNative bool) *Registry {
	r := &Registry{
		bySymbol:    make(map[string]Token, len(tokens)),
		byAddress:   make(map[common.Address]Token, len(tokens)),
		allowNative: allowNative,
	}
	for _, token := range tokens {
		symbol := strings.ToUpper(strings.TrimSpace(token.Symbol))
		token.Symbol = symbol
		if symbol != "" {
			r.bySymbol[symbol] = token
		}
		r.byAddress[token.Address] = token
	}
	return r
}

// Resolve maps a symbol, alias or hex address to a Token.
// Truncated addresses and unknown symbols are errors; nothing is defaulted to another asset.
func (r *Registry) Resolve(ref string) (Token, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Token{}, fmt.Errorf("%w: empty reference", ErrUnknownAsset)
	}
	upper := strings.ToUpper(ref)

	if _, ok := nativeMarkers[upper]; ok {
		return r.native(ref)
	}

	if strings.HasPrefix(upper, "0X") {
		addr, err := ParseAddress(ref)
		if err != nil {
			return Token{}, err
		}
		if addr == (common.Address{}) {
			return r.native(ref)
		}
		if token, ok := r.byAddress[addr]; ok {
			return token, nil
		}
		return Token{Address: addr, Decimals: DefaultDecimals}, nil
	}

	token, ok := r.bySymbol[upper]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrUnknownAsset, ref)
	}
	if token.Native {
		return r.native(ref)
	}
	return token, nil
}

// Decimals returns the registered precision for an address, or DefaultDecimals.
func (r *Registry) Decimals(addr common.Address) uint8 {
	if token, ok := r.byAddress[addr]; ok {
		return token.Decimals
	}
	return DefaultDecimals
}

func (r *Registry) native(ref string) (Token, error) {
	if !r.allowNative {
		return Token{}, fmt.Errorf("%w: %s", ErrNativeAsset, ref)
	}
	return Token{Symbol: "ETH", Address: common.Address{}, Decimals: 18, Native: true}, nil
}

// ParseAddress accepts only a 0x-prefixed, 40 hex character address.
func ParseAddress(input string) (common.Address, error) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "0x") && !strings.HasPrefix(input, "0X") {
		return common.Address{}, fmt.Errorf("%w: missing 0x prefix: %q", ErrMalformedAddress, input)
	}
	if len(input) != 42 || !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrMalformedAddress, input)
	}
	return common.HexToAddress(input), nil
}

// ParseAmount scales a human decimal amount into base units.
// Amounts with more fractional digits than the token supports are rejected.
func ParseAmount(human string, decimals uint8) (*big.Int, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(human))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, human)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: must be positive: %q", ErrInvalidAmount, human)
	}
	scaled := value.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: %q exceeds %d decimals", ErrInvalidAmount, human, decimals)
	}
	return scaled.BigInt(), nil
}

// ParseTokenOverrides parses SYMBOL=0xaddress:decimals entries.
func ParseTokenOverrides(entries []string) ([]Token, error) {
	tokens := make([]Token, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		symbol, rest, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(symbol) == "" {
			return nil, fmt.Errorf("invalid token entry: %s", entry)
		}
		addrText, decimalsText, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("token entry missing decimals: %s", entry)
		}
		addr, err := ParseAddress(addrText)
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", symbol, err)
		}
		decimals, err := strconv.ParseUint(strings.TrimSpace(decimalsText), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("token %s decimals: %w", symbol, err)
		}
		tokens = append(tokens, Token{
			Symbol:   symbol,
			Address:  addr,
			Decimals: uint8(decimals),
			Native:   addr == (common.Address{}),
		})
	}
	return tokens, nil
}
