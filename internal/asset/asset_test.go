package asset

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ids := []ID{
		LPShareID,
		LongID(1767225600),
		ShortID(1767225600),
		{Prefix: LongWithdrawalShare},
		{Prefix: ShortWithdrawalShare},
		LongID(^uint64(0)),
	}
	for _, id := range ids {
		got, err := Decode(id.Encode())
		if err != nil {
			t.Fatalf("decode %s: unexpected error: %v", id, err)
		}
		if got != id {
			t.Errorf("expected %v, got %v", id, got)
		}
	}
}

func TestEncode_CollisionFree(t *testing.T) {
	seen := make(map[string]ID)
	prefixes := []Prefix{Long, Short}
	for _, p := range prefixes {
		for _, m := range []uint64{1, 86400, 1767225600} {
			id := ID{Prefix: p, Maturity: m}
			key := id.Encode().Hex()
			if prev, ok := seen[key]; ok {
				t.Fatalf("%v and %v encode to the same value %s", prev, id, key)
			}
			seen[key] = id
		}
	}
	for _, p := range []Prefix{LPShare, LongWithdrawalShare, ShortWithdrawalShare} {
		id := ID{Prefix: p}
		key := id.Encode().Hex()
		if prev, ok := seen[key]; ok {
			t.Fatalf("%v and %v encode to the same value %s", prev, id, key)
		}
		seen[key] = id
	}
}

func TestEncode_Layout(t *testing.T) {
	packed := ShortID(42).Encode()
	want := new(uint256.Int).Lsh(uint256.NewInt(2), 248)
	want.AddUint64(want, 42)
	if !packed.Eq(want) {
		t.Errorf("expected %s, got %s", want.Hex(), packed.Hex())
	}
}

func TestDecode_Invalid(t *testing.T) {
	tests := map[string]*uint256.Int{
		"unknown prefix":        new(uint256.Int).Lsh(uint256.NewInt(9), 248),
		"long without maturity": new(uint256.Int).Lsh(uint256.NewInt(1), 248),
		"lp with maturity":      uint256.NewInt(5),
		"maturity overflow":     new(uint256.Int).Lsh(uint256.NewInt(1), 100),
	}
	for name, packed := range tests {
		if _, err := Decode(packed); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseTicker_Valid(t *testing.T) {
	id, err := ParseTicker("LONG-1767225600")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Prefix != Long {
		t.Errorf("expected prefix=LONG, got %s", id.Prefix)
	}
	if id.Maturity != 1767225600 {
		t.Errorf("expected maturity=1767225600, got %d", id.Maturity)
	}

	id, err = ParseTicker("SHORTWS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Prefix != ShortWithdrawalShare || id.Maturity != 0 {
		t.Errorf("unexpected id %v", id)
	}
}

func TestParseTicker_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"long-1767225600",
		"LONG-",
		"LONG-abc",
		"LONG_1767225600",
		"LONG-99999999999999999999", // overflows uint64
	}
	for _, ticker := range tests {
		_, err := ParseTicker(ticker)
		if err == nil {
			t.Errorf("expected error for ticker %q", ticker)
		}
	}
}

func TestParseTicker_InvalidType(t *testing.T) {
	_, err := ParseTicker("BOND-1767225600")
	if !errors.Is(err, ErrInvalidPrefix) {
		t.Errorf("expected ErrInvalidPrefix, got %v", err)
	}
}

func TestParseTicker_MaturityRules(t *testing.T) {
	for _, ticker := range []string{"LONG", "SHORT", "LP-1767225600", "LONGWS-1"} {
		_, err := ParseTicker(ticker)
		if !errors.Is(err, ErrInvalidID) {
			t.Errorf("expected ErrInvalidID for %q, got %v", ticker, err)
		}
	}
}

func TestParseTicker_AllTypes(t *testing.T) {
	ids := []ID{LPShareID, LongID(7), ShortID(7), {Prefix: LongWithdrawalShare}, {Prefix: ShortWithdrawalShare}}
	for _, want := range ids {
		got, err := ParseTicker(want.String())
		if err != nil {
			t.Errorf("unexpected error for %s: %v", want, err)
			continue
		}
		if got != want {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
}

func TestJSONMapKey(t *testing.T) {
	balances := map[ID]string{LongID(7): "100", LPShareID: "5"}
	b, err := json.Marshal(balances)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[ID]string
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded[LongID(7)] != "100" || decoded[LPShareID] != "5" {
		t.Errorf("unexpected round trip: %v", decoded)
	}
}
