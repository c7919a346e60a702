package ledger

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/mr-tron/base58"

	"github.com/R3E-Network/gaspool/internal/errs"
	"github.com/R3E-Network/gaspool/internal/types"
)

func testRef(b byte, version uint64) ObjectRef {
	return ObjectRef{
		ObjectID: types.Address{31: b},
		Version:  version,
		Digest:   bytes.Repeat([]byte{b}, 32),
	}
}

func TestSplitTransactionRoundTrip(t *testing.T) {
	owner := types.MustParseAddress("0xabc")
	coin := testRef(9, 44)

	tx, err := NewSplitTransaction(owner, coin, 500, 1000, 2_000_000)
	if err != nil {
		t.Fatalf("NewSplitTransaction: %v", err)
	}
	decoded, err := DecodeTransactionBytes(base64.StdEncoding.EncodeToString(tx.Bytes()))
	if err != nil {
		t.Fatalf("DecodeTransactionBytes: %v", err)
	}

	if decoded.Sender() != owner {
		t.Fatalf("sender = %s, want %s", decoded.Sender(), owner)
	}
	if decoded.GasBudget() != 2_000_000 || decoded.GasPrice() != 1000 {
		t.Fatalf("gas = %d @ %d", decoded.GasBudget(), decoded.GasPrice())
	}
	payment := decoded.GasPayment()
	if len(payment) != 1 || payment[0].ObjectID != coin.ObjectID || payment[0].Version != 44 {
		t.Fatalf("payment = %+v", payment)
	}
	if !bytes.Equal(payment[0].Digest, coin.Digest) {
		t.Fatalf("payment digest differs after roundtrip")
	}
	if decoded.CommandCount() != 1 {
		t.Fatalf("command count = %d, want 1", decoded.CommandCount())
	}
	pkgs := decoded.MoveCallPackages()
	if len(pkgs) != 1 || pkgs[0] != FrameworkPackage {
		t.Fatalf("move call packages = %v, want [0x2]", pkgs)
	}

	call := decoded.Data.V1.Kind.ProgrammableTransaction.Commands[0].MoveCall
	if call.Module != "pay" || call.Function != "divide_and_keep" {
		t.Fatalf("call = %s::%s", call.Module, call.Function)
	}
	if len(call.Arguments) != 2 || call.Arguments[0].GasCoin == nil || call.Arguments[1].Input == nil {
		t.Fatalf("arguments = %+v, want [GasCoin, Input(0)]", call.Arguments)
	}
}

func TestSplitKindBytesDecode(t *testing.T) {
	raw, err := NewSplitKindBytes(500)
	if err != nil {
		t.Fatalf("NewSplitKindBytes: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("empty kind bytes")
	}
	// A bare kind is not a full transaction envelope.
	if _, err := DecodeTransactionBytes(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Fatal("kind bytes must not decode as a transaction")
	}
}

func TestDecodeTransactionBytesRejectsGarbage(t *testing.T) {
	if _, err := DecodeTransactionBytes("not-base64!!!"); !errs.IsKind(err, errs.KindInvalid) {
		t.Fatalf("non-base64 err = %v, want Invalid", err)
	}
	garbage := base64.StdEncoding.EncodeToString([]byte{0xff, 0x13, 0x37})
	if _, err := DecodeTransactionBytes(garbage); !errs.IsKind(err, errs.KindInvalid) {
		t.Fatalf("garbage err = %v, want Invalid", err)
	}
}

func TestSigningDigest(t *testing.T) {
	a := SigningDigest([]byte("payload-a"))
	b := SigningDigest([]byte("payload-b"))
	if len(a) != 32 || len(b) != 32 {
		t.Fatalf("digest lengths = %d, %d, want 32", len(a), len(b))
	}
	if bytes.Equal(a, b) {
		t.Fatal("distinct payloads hashed identically")
	}
	if !bytes.Equal(a, SigningDigest([]byte("payload-a"))) {
		t.Fatal("digest is not deterministic")
	}
}

func TestRefFromCoin(t *testing.T) {
	digest := bytes.Repeat([]byte{7}, 32)
	coin := types.CoinRef{
		ObjectID: types.Address{31: 1},
		Version:  5,
		Digest:   base58.Encode(digest),
		Balance:  100,
	}
	ref, err := RefFromCoin(coin)
	if err != nil {
		t.Fatalf("RefFromCoin: %v", err)
	}
	if ref.Version != 5 || !bytes.Equal(ref.Digest, digest) {
		t.Fatalf("ref = %+v", ref)
	}
	if DigestString(ref.Digest) != coin.Digest {
		t.Fatalf("digest string roundtrip = %s", DigestString(ref.Digest))
	}

	coin.Digest = "0OIl"
	if _, err := RefFromCoin(coin); !errs.IsKind(err, errs.KindInvalid) {
		t.Fatalf("bad digest err = %v, want Invalid", err)
	}
}

func TestMoveCallPackagesDeduplicates(t *testing.T) {
	pkg := types.Address{31: 0x42}
	input := uint16(0)
	pure := []byte{1}
	tx := &Transaction{Data: TransactionData{V1: &TransactionDataV1{
		Kind: TransactionKind{ProgrammableTransaction: &ProgrammableTransaction{
			Inputs: []CallArg{{Pure: &pure}},
			Commands: []Command{
				{MoveCall: &ProgrammableMoveCall{Package: pkg, Module: "m", Function: "f"}},
				{SplitCoins: &SplitCoins{Coin: Argument{GasCoin: &EmptyVariant{}}, Amounts: []Argument{{Input: &input}}}},
				{MoveCall: &ProgrammableMoveCall{Package: pkg, Module: "m", Function: "g"}},
				{MoveCall: &ProgrammableMoveCall{Package: FrameworkPackage, Module: "pay", Function: "join"}},
			},
		}},
	}}}

	pkgs := tx.MoveCallPackages()
	if len(pkgs) != 2 || pkgs[0] != pkg || pkgs[1] != FrameworkPackage {
		t.Fatalf("packages = %v", pkgs)
	}
	if tx.CommandCount() != 4 {
		t.Fatalf("command count = %d, want 4", tx.CommandCount())
	}
}
