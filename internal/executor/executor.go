// Package executor drives one sponsored transaction from submitted
// bytes to finalized effects: validation against the reservation,
// access checks, dry run, sponsor signature, submission and the
// post-execution bookkeeping that returns change to the pool.
package executor

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/R3E-Network/gaspool/internal/access"
	"github.com/R3E-Network/gaspool/internal/errs"
	"github.com/R3E-Network/gaspool/internal/ledger"
	"github.com/R3E-Network/gaspool/internal/metrics"
	"github.com/R3E-Network/gaspool/internal/pool"
	"github.com/R3E-Network/gaspool/internal/signer"
	"github.com/R3E-Network/gaspool/internal/storage"
	"github.com/R3E-Network/gaspool/internal/tracker"
	"github.com/R3E-Network/gaspool/internal/txlog"
	"github.com/R3E-Network/gaspool/internal/types"
	"github.com/R3E-Network/gaspool/pkg/logger"
)

// Ledger is the slice of the full-node client the executor uses.
type Ledger interface {
	DryRun(ctx context.Context, txBytesB64 string) (*ledger.Effects, error)
	Execute(ctx context.Context, txBytesB64 string, signatures []string) (*ledger.Effects, error)
}

// Request is one execute_tx call.
type Request struct {
	ReservationID uint64
	TxBytesB64    string
	UserSigB64    string
	Headers       http.Header
}

// Executor coordinates the execution pipeline for a single sponsor.
type Executor struct {
	store    storage.Store
	node     Ledger
	signer   signer.Signer
	access   *access.Ref
	tracker  *tracker.Tracker
	txlog    *txlog.Logger
	sponsor  types.Address
	dailyCap uint64
	log      *logger.Logger
}

func New(store storage.Store, node Ledger, sign signer.Signer, ref *access.Ref,
	track *tracker.Tracker, txl *txlog.Logger, dailyCap uint64, log *logger.Logger) *Executor {
	return &Executor{
		store:    store,
		node:     node,
		signer:   sign,
		access:   ref,
		tracker:  track,
		txlog:    txl,
		sponsor:  sign.Address(),
		dailyCap: dailyCap,
		log:      log,
	}
}

// Execute runs the request to a terminal state and returns the on-chain
// effects. Effects come back for failed on-chain status too: gas was
// charged either way.
func (ex *Executor) Execute(ctx context.Context, req *Request) (*ledger.Effects, error) {
	effects, err := ex.run(ctx, req)
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}
	metrics.ExecutionsTotal.WithLabelValues("finalized").Inc()
	return effects, nil
}

func (ex *Executor) run(ctx context.Context, req *Request) (*ledger.Effects, error) {
	tx, err := ledger.DecodeTransactionBytes(req.TxBytesB64)
	if err != nil {
		return nil, err
	}
	if _, err := base64.StdEncoding.DecodeString(req.UserSigB64); err != nil {
		return nil, errs.Wrap(errs.KindInvalid, err, "user signature is not base64")
	}
	if tx.GasOwner() != ex.sponsor {
		return nil, errs.Newf(errs.KindInvalid, "gas owner %s is not the sponsor", tx.GasOwner().Short())
	}
	if tx.GasBudget() == 0 || tx.GasBudget() > pool.MaxGasBudget {
		return nil, errs.Newf(errs.KindInvalid, "gas budget %d is outside (0, %d]", tx.GasBudget(), pool.MaxGasBudget)
	}

	res, err := ex.store.GetReservation(ctx, ex.sponsor, req.ReservationID)
	if err != nil {
		return nil, err
	}
	if !paymentMatches(tx.GasPayment(), res.Coins) {
		return nil, errs.Newf(errs.KindInvalid, "gas payment does not match the coins of reservation %d", res.ID)
	}
	if tx.GasBudget() > res.TotalBalance {
		return nil, errs.Newf(errs.KindInvalid,
			"gas budget %d exceeds the reserved balance %d", tx.GasBudget(), res.TotalBalance)
	}

	tcx := &access.TxContext{
		Sender:           tx.Sender(),
		GasBudget:        tx.GasBudget(),
		MoveCallPackages: tx.MoveCallPackages(),
		CommandCount:     tx.CommandCount(),
		ReservationID:    req.ReservationID,
		TxBytesB64:       req.TxBytesB64,
		UserSigB64:       req.UserSigB64,
		Headers:          req.Headers,
	}
	ctrl := ex.access.Load()
	var touches []access.UsageTouch
	needsPrediction := false
	check, err := ctrl.Check(ctx, tcx)
	if err != nil {
		ex.release(ctx, req.ReservationID, res.Coins, "aborted")
		return nil, err
	}
	switch {
	case check.Status == access.StatusNeedsPrediction:
		needsPrediction = true
	case check.Decision == access.DecisionDeny:
		ex.release(ctx, req.ReservationID, res.Coins, "denied")
		return nil, denyError(check.UserMessage)
	default:
		touches = check.Usage
	}

	// Claim the reservation. From here the coins are off the expiry
	// index and must be released explicitly on every pre-submit exit.
	claimed, err := ex.store.ReadyForExecution(ctx, ex.sponsor, req.ReservationID)
	if err != nil {
		return nil, err
	}
	if !paymentMatches(tx.GasPayment(), claimed.Coins) {
		ex.release(ctx, req.ReservationID, claimed.Coins, "aborted")
		return nil, errs.Newf(errs.KindInternal, "reservation %d coins changed between read and claim", res.ID)
	}

	dry, err := ex.node.DryRun(ctx, req.TxBytesB64)
	if err != nil {
		ex.release(ctx, req.ReservationID, claimed.Coins, "aborted")
		return nil, err
	}
	if !dry.Succeeded() {
		ex.release(ctx, req.ReservationID, claimed.Coins, "aborted")
		return nil, errs.Newf(errs.KindInvalid, "dry run failed: %s", dry.Error)
	}
	predicted := dry.GasUsed.Charged()

	if needsPrediction {
		tcx.PredictedGasUsage = &predicted
		check, err = ctrl.Check(ctx, tcx)
		if err != nil {
			ex.release(ctx, req.ReservationID, claimed.Coins, "aborted")
			return nil, err
		}
		if check.Decision == access.DecisionDeny {
			ex.release(ctx, req.ReservationID, claimed.Coins, "denied")
			return nil, denyError(check.UserMessage)
		}
		touches = check.Usage
	}

	if err := ex.tracker.CheckDailyCap(ctx, ex.sponsor, ex.dailyCap, predicted); err != nil {
		ex.release(ctx, req.ReservationID, claimed.Coins, "aborted")
		return nil, err
	}

	sponsorSig, err := ex.signer.Sign(ctx, tx.Bytes())
	if err != nil {
		ex.release(ctx, req.ReservationID, claimed.Coins, "aborted")
		return nil, err
	}

	// Past submission the on-chain outcome is authoritative. A transport
	// failure here must NOT release the coins at their old versions; the
	// reservation record lapses and the initializer re-adopts whatever
	// state the chain settled on.
	start := time.Now()
	effects, err := ex.node.Execute(ctx, req.TxBytesB64, []string{req.UserSigB64, sponsorSig})
	if err != nil {
		ex.log.WithError(err).WithField("reservation_id", req.ReservationID).
			Warn("submission outcome unknown, leaving coins to reconciliation")
		return nil, err
	}
	metrics.ExecutionDuration.Observe(time.Since(start).Seconds())

	ex.finalize(ctx, tx, claimed, effects, touches)
	return effects, nil
}

// finalize returns the merged gas coin to the pool and settles the
// usage counters with the gas the chain actually charged.
func (ex *Executor) finalize(ctx context.Context, tx *ledger.Transaction, res *types.Reservation,
	effects *ledger.Effects, touches []access.UsageTouch) {
	var updated []types.CoinRef
	remaining := int64(res.TotalBalance) - effects.GasUsed.Net()
	if remaining > 0 && effects.GasObject.Digest != "" {
		updated = []types.CoinRef{{
			ObjectID: effects.GasObject.ObjectID,
			Version:  effects.GasObject.Version,
			Digest:   effects.GasObject.Digest,
			Balance:  uint64(remaining),
		}}
	}
	ex.release(ctx, res.ID, updated, "finalized")

	observed := effects.GasUsed.Charged()
	metrics.GasUsedTotal.Add(float64(observed))
	// AddUsage logs per-counter failures itself.
	_ = ex.tracker.AddUsage(ctx, touches, observed)
	if sum, err := ex.tracker.AddDailyUsage(ctx, ex.sponsor, observed); err != nil {
		ex.log.WithError(err).Warn("daily usage counter not updated")
	} else {
		metrics.DailyGasUsage.Set(float64(sum))
	}

	if ex.txlog.Enabled() {
		details := tx.Loggable()
		details["digest"] = effects.TransactionDigest
		details["status"] = effects.Status
		ex.txlog.LogTransaction(details)
	}
	ex.log.WithFields(map[string]interface{}{
		"reservation_id": res.ID,
		"digest":         effects.TransactionDigest,
		"status":         effects.Status,
		"gas_charged":    observed,
	}).Info("transaction finalized")
}

func (ex *Executor) release(ctx context.Context, id uint64, coins []types.CoinRef, reason string) {
	if err := ex.store.ReleaseReservation(ctx, ex.sponsor, id, coins); err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			ex.log.WithField("reservation_id", id).Debug("reservation already retired")
			return
		}
		ex.log.WithError(err).WithField("reservation_id", id).Warn("reservation release failed")
		return
	}
	metrics.ReleasedCoinsTotal.WithLabelValues(reason).Add(float64(len(coins)))
}

// paymentMatches requires the gas payment to pin exactly the reserved
// coins: same objects, same versions, same digests.
func paymentMatches(payment []ledger.ObjectRef, coins []types.CoinRef) bool {
	if len(payment) != len(coins) {
		return false
	}
	want := make(map[types.ObjectID]types.CoinRef, len(coins))
	for _, c := range coins {
		want[c.ObjectID] = c
	}
	for _, p := range payment {
		c, ok := want[p.ObjectID]
		if !ok || c.Version != p.Version || c.Digest != ledger.DigestString(p.Digest) {
			return false
		}
		delete(want, p.ObjectID)
	}
	return true
}

func denyError(userMessage string) error {
	if userMessage == "" {
		return errs.Newf(errs.KindDenied, "access denied")
	}
	return errs.Newf(errs.KindDenied, "%s", userMessage)
}

func outcome(err error) string {
	switch errs.KindOf(err) {
	case errs.KindDenied:
		return "denied"
	case errs.KindInvalid:
		return "invalid"
	default:
		return "failed"
	}
}
