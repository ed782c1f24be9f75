// Package asset identifies the positions a pool issues (longs, shorts, LP
// shares and withdrawal shares) and converts identifiers between their
// in-memory form, a packed 256-bit integer and a human-readable ticker.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/holiman/uint256"
)

// Prefix is the position type of an asset.
type Prefix uint8

// Supported position types.
const (
	LPShare Prefix = iota
	Long
	Short
	LongWithdrawalShare
	ShortWithdrawalShare
)

var prefixNames = map[Prefix]string{
	LPShare:              "LP",
	Long:                 "LONG",
	Short:                "SHORT",
	LongWithdrawalShare:  "LONGWS",
	ShortWithdrawalShare: "SHORTWS",
}

var prefixByName = map[string]Prefix{
	"LP":      LPShare,
	"LONG":    Long,
	"SHORT":   Short,
	"LONGWS":  LongWithdrawalShare,
	"SHORTWS": ShortWithdrawalShare,
}

func (p Prefix) String() string {
	if name, ok := prefixNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Prefix(%d)", uint8(p))
}

// Valid reports whether p is a known position type.
func (p Prefix) Valid() bool {
	_, ok := prefixNames[p]
	return ok
}

// HasMaturity reports whether positions of this type carry a maturity time.
// LP and withdrawal shares are fungible across maturities.
func (p Prefix) HasMaturity() bool {
	return p == Long || p == Short
}

// tickerRegex matches: {TYPE}[-{maturityUnix}]
// Example: LONG-1767225600, LP
var tickerRegex = regexp.MustCompile(`^([A-Z]+)(?:-(\d+))?$`)

// prefixShift puts the prefix in the top byte of a packed id.
const prefixShift = 248

var (
	ErrInvalidTicker = errors.New("asset: invalid ticker format")
	ErrInvalidPrefix = errors.New("asset: unsupported position type")
	ErrInvalidID     = errors.New("asset: invalid asset id")
)

// ID is a position type and, for longs and shorts, its maturity time in
// unix seconds.
type ID struct {
	Prefix   Prefix
	Maturity uint64
}

// New returns the id for prefix and maturity, checking that only longs and
// shorts carry a maturity.
func New(prefix Prefix, maturity uint64) (ID, error) {
	if !prefix.Valid() {
		return ID{}, fmt.Errorf("%w: %d", ErrInvalidPrefix, prefix)
	}
	if prefix.HasMaturity() != (maturity != 0) {
		return ID{}, fmt.Errorf("%w: %s with maturity %d", ErrInvalidID, prefix, maturity)
	}
	return ID{Prefix: prefix, Maturity: maturity}, nil
}

// LongID returns the id of longs maturing at maturity.
func LongID(maturity uint64) ID { return ID{Prefix: Long, Maturity: maturity} }

// ShortID returns the id of shorts maturing at maturity.
func ShortID(maturity uint64) ID { return ID{Prefix: Short, Maturity: maturity} }

// LPShareID is the id of the pool's LP shares.
var LPShareID = ID{Prefix: LPShare}

// Encode packs the id into a single integer: the prefix in the top byte
// and the maturity in the low 64 bits.
func (id ID) Encode() *uint256.Int {
	packed := uint256.NewInt(uint64(id.Prefix))
	packed.Lsh(packed, prefixShift)
	return packed.Or(packed, uint256.NewInt(id.Maturity))
}

// Decode unpacks an integer produced by Encode.
func Decode(packed *uint256.Int) (ID, error) {
	var prefix, maturity uint256.Int
	prefix.Rsh(packed, prefixShift)

	mask := new(uint256.Int).Lsh(uint256.NewInt(1), prefixShift)
	mask.SubUint64(mask, 1)
	maturity.And(packed, mask)
	if !maturity.IsUint64() {
		return ID{}, fmt.Errorf("%w: maturity out of range in %s", ErrInvalidID, packed.Hex())
	}
	return New(Prefix(prefix.Uint64()), maturity.Uint64())
}

// String formats the id as a ticker, e.g. "LONG-1767225600" or "LP".
func (id ID) String() string {
	if !id.Prefix.HasMaturity() {
		return id.Prefix.String()
	}
	return id.Prefix.String() + "-" + strconv.FormatUint(id.Maturity, 10)
}

// ParseTicker parses and validates a ticker produced by String.
func ParseTicker(ticker string) (ID, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return ID{}, fmt.Errorf("%w: %s (expected {TYPE}[-{maturity}])", ErrInvalidTicker, ticker)
	}

	prefix, ok := prefixByName[matches[1]]
	if !ok {
		return ID{}, fmt.Errorf("%w: %s", ErrInvalidPrefix, matches[1])
	}

	var maturity uint64
	if matches[2] != "" {
		m, err := strconv.ParseUint(matches[2], 10, 64)
		if err != nil {
			return ID{}, fmt.Errorf("%w: invalid maturity %s", ErrInvalidTicker, matches[2])
		}
		maturity = m
	}
	return New(prefix, maturity)
}

// MarshalText implements encoding.TextMarshaler so ids can key JSON maps.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseTicker(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
