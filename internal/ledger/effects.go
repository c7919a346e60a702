package ledger

import (
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/gaspool/internal/errs"
	"github.com/R3E-Network/gaspool/internal/types"
)

// GasUsed is the gas breakdown of executed effects.
type GasUsed struct {
	ComputationCost         uint64
	StorageCost             uint64
	StorageRebate           uint64
	NonRefundableStorageFee uint64
}

// Charged is what usage accounting attributes to the sponsor: rebates
// are not netted out, spending capacity was consumed either way.
func (g GasUsed) Charged() uint64 {
	return g.ComputationCost + g.StorageCost
}

// Net is the actual balance change of the gas coin.
func (g GasUsed) Net() int64 {
	return int64(g.ComputationCost) + int64(g.StorageCost) - int64(g.StorageRebate)
}

// EffectsObjectRef is an object reference as the node reports it.
type EffectsObjectRef struct {
	ObjectID types.ObjectID
	Version  uint64
	Digest   string
}

// CreatedObject is an object produced by the transaction, with its
// address owner when it has one.
type CreatedObject struct {
	Ref   EffectsObjectRef
	Owner types.Address
}

// Effects is the subset of transaction effects the station acts on.
// Raw keeps the node's JSON verbatim for passthrough to clients.
type Effects struct {
	Status            string
	Error             string
	TransactionDigest string
	GasUsed           GasUsed
	GasObject         EffectsObjectRef
	Created           []CreatedObject
	Raw               string
}

func (e *Effects) Succeeded() bool { return e.Status == "success" }

// ParseEffects reads the effects object of a dry-run or execution
// response.
func ParseEffects(res gjson.Result) (*Effects, error) {
	if !res.Exists() {
		return nil, errs.Newf(errs.KindLedgerUnavailable, "response carries no effects")
	}
	eff := &Effects{
		Status:            res.Get("status.status").String(),
		Error:             res.Get("status.error").String(),
		TransactionDigest: res.Get("transactionDigest").String(),
		Raw:               res.Raw,
		GasUsed: GasUsed{
			ComputationCost:         res.Get("gasUsed.computationCost").Uint(),
			StorageCost:             res.Get("gasUsed.storageCost").Uint(),
			StorageRebate:           res.Get("gasUsed.storageRebate").Uint(),
			NonRefundableStorageFee: res.Get("gasUsed.nonRefundableStorageFee").Uint(),
		},
	}
	if eff.Status == "" {
		return nil, errs.Newf(errs.KindLedgerUnavailable, "effects carry no status")
	}

	gasRef := res.Get("gasObject.reference")
	if gasRef.Exists() {
		ref, err := parseObjectRef(gasRef)
		if err != nil {
			return nil, err
		}
		eff.GasObject = ref
	}

	for _, item := range res.Get("created").Array() {
		ref, err := parseObjectRef(item.Get("reference"))
		if err != nil {
			return nil, err
		}
		created := CreatedObject{Ref: ref}
		if owner := item.Get("owner.AddressOwner").String(); owner != "" {
			addr, err := types.ParseAddress(owner)
			if err != nil {
				return nil, errs.Wrap(errs.KindLedgerUnavailable, err, "created object owner")
			}
			created.Owner = addr
		}
		eff.Created = append(eff.Created, created)
	}
	return eff, nil
}

func parseObjectRef(res gjson.Result) (EffectsObjectRef, error) {
	id, err := types.ParseAddress(res.Get("objectId").String())
	if err != nil {
		return EffectsObjectRef{}, errs.Wrap(errs.KindLedgerUnavailable, err, "object reference id")
	}
	return EffectsObjectRef{
		ObjectID: id,
		Version:  res.Get("version").Uint(),
		Digest:   res.Get("digest").String(),
	}, nil
}
