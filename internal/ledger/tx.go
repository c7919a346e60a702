// Package ledger talks to the full node: transaction decoding and
// construction, dry runs, execution, and object queries.
package ledger

import (
	"encoding/base64"

	"github.com/fardream/go-bcs/bcs"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"

	"github.com/R3E-Network/gaspool/internal/errs"
	"github.com/R3E-Network/gaspool/internal/types"
)

// FrameworkPackage is the 0x2 system package every split call targets.
var FrameworkPackage = types.MustParseAddress("0x2")

const digestLen = 32

// EmptyVariant marks enum variants that carry no payload.
type EmptyVariant struct{}

// ObjectRef pins an object at an exact version.
type ObjectRef struct {
	ObjectID types.ObjectID
	Version  uint64
	Digest   []byte
}

// RefFromCoin converts a pool coin record into a versioned reference.
func RefFromCoin(c types.CoinRef) (ObjectRef, error) {
	digest, err := base58.Decode(c.Digest)
	if err != nil {
		return ObjectRef{}, errs.Wrap(errs.KindInvalid, err, "coin %s digest", c.ObjectID)
	}
	if len(digest) != digestLen {
		return ObjectRef{}, errs.Newf(errs.KindInvalid, "coin %s digest is %d bytes", c.ObjectID, len(digest))
	}
	return ObjectRef{ObjectID: c.ObjectID, Version: c.Version, Digest: digest}, nil
}

// DigestString renders an object digest in its base58 wire form.
func DigestString(digest []byte) string {
	return base58.Encode(digest)
}

// TransactionData is the BCS envelope of a user transaction.
type TransactionData struct {
	V1 *TransactionDataV1
}

func (TransactionData) IsBcsEnum() {}

type TransactionDataV1 struct {
	Kind       TransactionKind
	Sender     types.Address
	GasData    GasData
	Expiration TransactionExpiration
}

type GasData struct {
	Payment []ObjectRef
	Owner   types.Address
	Price   uint64
	Budget  uint64
}

type TransactionExpiration struct {
	None  *EmptyVariant
	Epoch *uint64
}

func (TransactionExpiration) IsBcsEnum() {}

// TransactionKind models only the programmable variant: everything
// else is a system transaction the station would never sponsor.
type TransactionKind struct {
	ProgrammableTransaction *ProgrammableTransaction
}

func (TransactionKind) IsBcsEnum() {}

type ProgrammableTransaction struct {
	Inputs   []CallArg
	Commands []Command
}

type CallArg struct {
	Pure   *[]byte
	Object *ObjectArg
}

func (CallArg) IsBcsEnum() {}

type ObjectArg struct {
	ImmOrOwnedObject *ObjectRef
	SharedObject     *SharedObjectArg
	Receiving        *ObjectRef
}

func (ObjectArg) IsBcsEnum() {}

type SharedObjectArg struct {
	ObjectID             types.ObjectID
	InitialSharedVersion uint64
	Mutable              bool
}

type Command struct {
	MoveCall        *ProgrammableMoveCall
	TransferObjects *TransferObjects
	SplitCoins      *SplitCoins
	MergeCoins      *MergeCoins
	Publish         *Publish
	MakeMoveVec     *MakeMoveVec
	Upgrade         *Upgrade
}

func (Command) IsBcsEnum() {}

type ProgrammableMoveCall struct {
	Package       types.ObjectID
	Module        string
	Function      string
	TypeArguments []TypeTag
	Arguments     []Argument
}

type TransferObjects struct {
	Objects []Argument
	Address Argument
}

type SplitCoins struct {
	Coin    Argument
	Amounts []Argument
}

type MergeCoins struct {
	Destination Argument
	Sources     []Argument
}

type Publish struct {
	Modules      [][]byte
	Dependencies []types.ObjectID
}

type MakeMoveVec struct {
	TypeTag  *TypeTag `bcs:"optional"`
	Elements []Argument
}

type Upgrade struct {
	Modules      [][]byte
	Dependencies []types.ObjectID
	Package      types.ObjectID
	Ticket       Argument
}

type Argument struct {
	GasCoin      *EmptyVariant
	Input        *uint16
	Result       *uint16
	NestedResult *NestedResult
}

func (Argument) IsBcsEnum() {}

type NestedResult struct {
	Index       uint16
	ResultIndex uint16
}

type TypeTag struct {
	Bool    *EmptyVariant
	U8      *EmptyVariant
	U64     *EmptyVariant
	U128    *EmptyVariant
	Address *EmptyVariant
	Signer  *EmptyVariant
	Vector  *TypeTag
	Struct  *StructTag
	U16     *EmptyVariant
	U32     *EmptyVariant
	U256    *EmptyVariant
}

func (TypeTag) IsBcsEnum() {}

type StructTag struct {
	Address    types.Address
	Module     string
	Name       string
	TypeParams []TypeTag
}

// iotaCoinTypeTag is 0x2::iota::IOTA, the only coin type the pool
// handles.
func iotaCoinTypeTag() TypeTag {
	return TypeTag{Struct: &StructTag{
		Address: FrameworkPackage,
		Module:  "iota",
		Name:    "IOTA",
	}}
}

// Transaction is a decoded user transaction plus its original bytes.
type Transaction struct {
	Data TransactionData
	raw  []byte
}

// DecodeTransactionBytes decodes base64 BCS transaction bytes. Only V1
// programmable transactions are accepted.
func DecodeTransactionBytes(txBytesB64 string) (*Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(txBytesB64)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalid, err, "transaction bytes are not base64")
	}
	var data TransactionData
	if _, err := bcs.Unmarshal(raw, &data); err != nil {
		return nil, errs.Wrap(errs.KindInvalid, err, "decode transaction bytes")
	}
	if data.V1 == nil {
		return nil, errs.Newf(errs.KindInvalid, "unsupported transaction envelope version")
	}
	if data.V1.Kind.ProgrammableTransaction == nil {
		return nil, errs.Newf(errs.KindInvalid, "only programmable transactions are sponsored")
	}
	return &Transaction{Data: data, raw: raw}, nil
}

// Bytes returns the original BCS encoding.
func (t *Transaction) Bytes() []byte { return t.raw }

func (t *Transaction) Sender() types.Address { return t.Data.V1.Sender }

func (t *Transaction) GasBudget() uint64 { return t.Data.V1.GasData.Budget }

func (t *Transaction) GasPrice() uint64 { return t.Data.V1.GasData.Price }

func (t *Transaction) GasOwner() types.Address { return t.Data.V1.GasData.Owner }

func (t *Transaction) GasPayment() []ObjectRef { return t.Data.V1.GasData.Payment }

// CommandCount is the number of programmable commands.
func (t *Transaction) CommandCount() int {
	return len(t.Data.V1.Kind.ProgrammableTransaction.Commands)
}

// MoveCallPackages lists the distinct packages targeted by move calls,
// in first-call order.
func (t *Transaction) MoveCallPackages() []types.Address {
	var pkgs []types.Address
	seen := make(map[types.Address]bool)
	for _, cmd := range t.Data.V1.Kind.ProgrammableTransaction.Commands {
		if cmd.MoveCall == nil || seen[cmd.MoveCall.Package] {
			continue
		}
		seen[cmd.MoveCall.Package] = true
		pkgs = append(pkgs, cmd.MoveCall.Package)
	}
	return pkgs
}

// Loggable renders the transaction for the trace log: enough to audit
// what was sponsored without replaying BCS.
func (t *Transaction) Loggable() map[string]interface{} {
	v1 := t.Data.V1
	cmds := make([]map[string]interface{}, 0, len(v1.Kind.ProgrammableTransaction.Commands))
	for _, cmd := range v1.Kind.ProgrammableTransaction.Commands {
		switch {
		case cmd.MoveCall != nil:
			cmds = append(cmds, map[string]interface{}{
				"command":  "MoveCall",
				"package":  cmd.MoveCall.Package.String(),
				"module":   cmd.MoveCall.Module,
				"function": cmd.MoveCall.Function,
			})
		case cmd.TransferObjects != nil:
			cmds = append(cmds, map[string]interface{}{"command": "TransferObjects"})
		case cmd.SplitCoins != nil:
			cmds = append(cmds, map[string]interface{}{"command": "SplitCoins"})
		case cmd.MergeCoins != nil:
			cmds = append(cmds, map[string]interface{}{"command": "MergeCoins"})
		case cmd.Publish != nil:
			cmds = append(cmds, map[string]interface{}{"command": "Publish"})
		case cmd.MakeMoveVec != nil:
			cmds = append(cmds, map[string]interface{}{"command": "MakeMoveVec"})
		case cmd.Upgrade != nil:
			cmds = append(cmds, map[string]interface{}{"command": "Upgrade"})
		}
	}
	payment := make([]string, len(v1.GasData.Payment))
	for i, ref := range v1.GasData.Payment {
		payment[i] = ref.ObjectID.String()
	}
	return map[string]interface{}{
		"sender":     v1.Sender.String(),
		"gasOwner":   v1.GasData.Owner.String(),
		"gasBudget":  v1.GasData.Budget,
		"gasPrice":   v1.GasData.Price,
		"gasPayment": payment,
		"inputs":     len(v1.Kind.ProgrammableTransaction.Inputs),
		"commands":   cmds,
	}
}

// intentPrefix is scope TransactionData, version 0, app id 0.
var intentPrefix = []byte{0, 0, 0}

// SigningDigest hashes the intent envelope of raw transaction bytes.
// Signatures are made over this digest.
func SigningDigest(txBytes []byte) []byte {
	msg := make([]byte, 0, len(intentPrefix)+len(txBytes))
	msg = append(msg, intentPrefix...)
	msg = append(msg, txBytes...)
	sum := blake2b.Sum256(msg)
	return sum[:]
}

// NewSplitTransaction builds a transaction that divides coin into
// parts equal slices via 0x2::pay::divide_and_keep, paying gas with the
// coin being split.
func NewSplitTransaction(owner types.Address, coin ObjectRef, parts uint64, gasPrice, gasBudget uint64) (*Transaction, error) {
	kind, err := newSplitKind(parts)
	if err != nil {
		return nil, err
	}
	data := TransactionData{V1: &TransactionDataV1{
		Kind:   *kind,
		Sender: owner,
		GasData: GasData{
			Payment: []ObjectRef{coin},
			Owner:   owner,
			Price:   gasPrice,
			Budget:  gasBudget,
		},
		Expiration: TransactionExpiration{None: &EmptyVariant{}},
	}}
	raw, err := bcs.Marshal(&data)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "encode split transaction")
	}
	return &Transaction{Data: data, raw: raw}, nil
}

// NewSplitKindBytes encodes just the transaction kind of a split, the
// form dev-inspect estimation wants.
func NewSplitKindBytes(parts uint64) ([]byte, error) {
	kind, err := newSplitKind(parts)
	if err != nil {
		return nil, err
	}
	raw, err := bcs.Marshal(kind)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "encode split kind")
	}
	return raw, nil
}

func newSplitKind(parts uint64) (*TransactionKind, error) {
	pure, err := bcs.Marshal(parts)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "encode split count")
	}
	inputZero := uint16(0)
	return &TransactionKind{ProgrammableTransaction: &ProgrammableTransaction{
		Inputs: []CallArg{{Pure: &pure}},
		Commands: []Command{{MoveCall: &ProgrammableMoveCall{
			Package:       FrameworkPackage,
			Module:        "pay",
			Function:      "divide_and_keep",
			TypeArguments: []TypeTag{iotaCoinTypeTag()},
			Arguments: []Argument{
				{GasCoin: &EmptyVariant{}},
				{Input: &inputZero},
			},
		}}},
	}}, nil
}
