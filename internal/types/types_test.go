package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0x2", want: "0x0000000000000000000000000000000000000000000000000000000000000002"},
		{in: "0xab", want: "0x00000000000000000000000000000000000000000000000000000000000000ab"},
		{in: "abc", want: "0x0000000000000000000000000000000000000000000000000000000000000abc"},
		{in: "  0x5 ", want: "0x0000000000000000000000000000000000000000000000000000000000000005"},
		{in: "0x" + strings.Repeat("7f", 32), want: "0x" + strings.Repeat("7f", 32)},
		{in: "", wantErr: true},
		{in: "0x", wantErr: true},
		{in: "0xzz", wantErr: true},
		{in: "0x" + strings.Repeat("00", 33), wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseAddress(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseAddress(%q): expected error, got %s", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAddress(%q): %v", tc.in, err)
			continue
		}
		if got.String() != tc.want {
			t.Errorf("ParseAddress(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestAddressJSONRoundTrip(t *testing.T) {
	addr := MustParseAddress("0xabc123")
	raw, err := json.Marshal(addr)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `"` + addr.String() + `"`; string(raw) != want {
		t.Fatalf("marshal = %s, want %s", raw, want)
	}

	var back Address
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != addr {
		t.Fatalf("round trip changed the address: %s -> %s", addr, back)
	}
}

func TestAddressShort(t *testing.T) {
	if got := MustParseAddress("0xab").Short(); got != "0xab" {
		t.Fatalf("Short() = %q, want %q", got, "0xab")
	}
	var zero Address
	if got := zero.Short(); got != "0x0" {
		t.Fatalf("zero Short() = %q, want %q", got, "0x0")
	}
	if !zero.IsZero() {
		t.Fatal("zero address IsZero() = false")
	}
	if MustParseAddress("0x1").IsZero() {
		t.Fatal("nonzero address IsZero() = true")
	}
}

func TestCoinRecordRoundTrip(t *testing.T) {
	coin := CoinRef{
		ObjectID: MustParseAddress("0xc0ffee"),
		Version:  12,
		Digest:   "49vyLKZyy9Nv4rrSdtBFyg6S1NTa7GVqUoY8SvMZVTZ5",
		Balance:  100_000_000,
	}
	back, err := ParseCoinRecord(coin.Record())
	if err != nil {
		t.Fatalf("parse record: %v", err)
	}
	if back != coin {
		t.Fatalf("round trip changed the coin: %+v -> %+v", coin, back)
	}
}

func TestParseCoinRecordErrors(t *testing.T) {
	cases := []string{
		"",
		"0x1|2",
		"0x1|2|digest|3|extra",
		"not-hex|2|digest|3",
		"0x1|two|digest|3",
		"0x1|2||3",
		"0x1|2|digest|lots",
	}
	for _, in := range cases {
		if _, err := ParseCoinRecord(in); err == nil {
			t.Errorf("ParseCoinRecord(%q): expected error", in)
		}
	}
}

func TestJoinAndParseCoinRecords(t *testing.T) {
	coins := []CoinRef{
		{ObjectID: MustParseAddress("0x1"), Version: 1, Digest: "d1", Balance: 10},
		{ObjectID: MustParseAddress("0x2"), Version: 2, Digest: "d2", Balance: 20},
	}
	joined := JoinCoinRecords(coins)
	if strings.Count(joined, ";") != 1 {
		t.Fatalf("joined = %q", joined)
	}
	back, err := ParseCoinRecords(joined)
	if err != nil {
		t.Fatalf("parse records: %v", err)
	}
	if len(back) != 2 || back[0] != coins[0] || back[1] != coins[1] {
		t.Fatalf("round trip changed the coins: %+v", back)
	}

	empty, err := ParseCoinRecords("")
	if err != nil || empty != nil {
		t.Fatalf("empty record string parsed as %v, %v", empty, err)
	}
}

func TestTotalBalanceAndIDSet(t *testing.T) {
	coins := []CoinRef{
		{ObjectID: MustParseAddress("0x1"), Balance: 10},
		{ObjectID: MustParseAddress("0x2"), Balance: 32},
	}
	if got := TotalBalance(coins); got != 42 {
		t.Fatalf("TotalBalance = %d", got)
	}
	if got := TotalBalance(nil); got != 0 {
		t.Fatalf("TotalBalance(nil) = %d", got)
	}
	set := CoinIDSet(coins)
	if _, ok := set[MustParseAddress("0x1")]; !ok {
		t.Fatal("id set missing 0x1")
	}
	if _, ok := set[MustParseAddress("0x3")]; ok {
		t.Fatal("id set contains an absent id")
	}
}

func TestReservationExpired(t *testing.T) {
	deadline := time.Unix(100, 0)
	r := &Reservation{ExpiresAt: deadline}
	if r.Expired(deadline.Add(-time.Second)) {
		t.Fatal("not yet due")
	}
	if !r.Expired(deadline) {
		t.Fatal("exactly at the deadline counts as expired")
	}
	if !r.Expired(deadline.Add(time.Second)) {
		t.Fatal("past the deadline")
	}
}
