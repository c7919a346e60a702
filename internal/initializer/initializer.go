// Package initializer funds the coin pool. It discovers sponsor-owned
// coins on the ledger, splits large ones into reservation-sized
// denominations through 0x2::pay::divide_and_keep and adopts the
// resulting coins into the store. Runs are serialized fleet-wide by the
// store's init lock.
package initializer

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/gaspool/internal/errs"
	"github.com/R3E-Network/gaspool/internal/ledger"
	"github.com/R3E-Network/gaspool/internal/metrics"
	"github.com/R3E-Network/gaspool/internal/signer"
	"github.com/R3E-Network/gaspool/internal/storage"
	"github.com/R3E-Network/gaspool/internal/types"
	"github.com/R3E-Network/gaspool/pkg/logger"
)

const (
	initLockTTL = 12 * time.Hour

	// maxSplitParts caps one divide_and_keep call; larger coins shrink
	// over repeated passes.
	maxSplitParts uint64 = 500

	// newCoinBalanceFactor filters replenish candidates. Only unknown
	// coins worth at least this many target denominations are treated
	// as fresh funding; smaller strays may be unrelated deposits.
	newCoinBalanceFactor uint64 = 8

	// budgetSafetyFactor scales the dev-inspect gas estimate.
	budgetSafetyFactor uint64 = 2

	splitWorkers = 8

	releaseTimeout = 5 * time.Second
	settleTimeout  = 30 * time.Second
)

// Mode selects which unknown coins become split candidates.
type Mode int

const (
	// Startup splits every unknown coin above the target denomination.
	Startup Mode = iota
	// Replenish only splits coins that look like fresh funding.
	Replenish
)

func (m Mode) String() string {
	if m == Startup {
		return "startup"
	}
	return "replenish"
}

// Ledger is the slice of the full-node client the initializer uses.
type Ledger interface {
	GetAllCoins(ctx context.Context, owner types.Address) ([]types.CoinRef, error)
	ReferenceGasPrice(ctx context.Context) (uint64, error)
	DevInspect(ctx context.Context, sender types.Address, kindBytesB64 string) (*ledger.Effects, error)
	Execute(ctx context.Context, txBytesB64 string, signatures []string) (*ledger.Effects, error)
	MultiGetObjects(ctx context.Context, ids []types.ObjectID) ([]ledger.ObjectSnapshot, error)
	WaitForObjectVersion(ctx context.Context, id types.ObjectID, version uint64) error
}

type coinKey struct {
	id      types.ObjectID
	version uint64
}

// Initializer turns sponsor funding into pool denominations.
type Initializer struct {
	store   storage.Store
	node    Ledger
	signer  signer.Signer
	sponsor types.Address
	target  uint64
	holder  string
	log     *logger.Logger

	// seen suppresses re-splitting a coin version already handled this
	// process lifetime, guarding against stale node views.
	mu   sync.Mutex
	seen map[coinKey]bool
}

func New(store storage.Store, node Ledger, sign signer.Signer, target uint64, log *logger.Logger) *Initializer {
	return &Initializer{
		store:   store,
		node:    node,
		signer:  sign,
		sponsor: sign.Address(),
		target:  target,
		holder:  uuid.NewString(),
		log:     log,
		seen:    make(map[coinKey]bool),
	}
}

// Run performs one discovery pass under the init lock. When another
// instance holds the lock the pass is skipped without error.
func (in *Initializer) Run(ctx context.Context, mode Mode) error {
	ok, err := in.store.AcquireInitLock(ctx, in.sponsor, in.holder, initLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		in.log.Info("another instance holds the init lock, skipping pass")
		return nil
	}
	metrics.InitLockHeld.Set(1)
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := in.store.ReleaseInitLock(releaseCtx, in.sponsor, in.holder); err != nil {
			in.log.WithError(err).Warn("init lock release failed, lease will lapse on its own")
		}
		metrics.InitLockHeld.Set(0)
	}()
	return in.pass(ctx, mode)
}

func (in *Initializer) pass(ctx context.Context, mode Mode) error {
	owned, err := in.node.GetAllCoins(ctx, in.sponsor)
	if err != nil {
		return err
	}
	tracked, err := in.store.TrackedCoinIDs(ctx, in.sponsor)
	if err != nil {
		return err
	}

	var adopt, candidates []types.CoinRef
	for _, coin := range owned {
		if tracked[coin.ObjectID] || in.handled(coin) || coin.Balance == 0 {
			continue
		}
		switch {
		case coin.Balance <= in.target:
			adopt = append(adopt, coin)
		case mode == Startup || coin.Balance >= in.target*newCoinBalanceFactor:
			candidates = append(candidates, coin)
		}
	}

	if len(adopt) > 0 {
		if err := in.store.AddCoins(ctx, in.sponsor, adopt); err != nil {
			return err
		}
		in.log.WithFields(map[string]interface{}{
			"coins": len(adopt),
			"mode":  mode.String(),
		}).Info("adopted untracked coins into the pool")
	}
	if len(candidates) == 0 {
		return nil
	}

	gasPrice, err := in.node.ReferenceGasPrice(ctx)
	if err != nil {
		return err
	}
	in.log.WithFields(map[string]interface{}{
		"candidates": len(candidates),
		"mode":       mode.String(),
	}).Info("splitting funding coins")

	jobs := make(chan types.CoinRef)
	var wg sync.WaitGroup
	for i := 0; i < splitWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for coin := range jobs {
				if err := in.splitCoin(ctx, coin, gasPrice); err != nil {
					in.log.WithError(err).WithField("coin", coin.String()).Warn("coin split failed")
				}
			}
		}()
	}
	for _, coin := range candidates {
		select {
		case jobs <- coin:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return errs.Wrap(errs.KindInternal, ctx.Err(), "split pass interrupted")
		}
	}
	close(jobs)
	wg.Wait()
	return nil
}

// splitCoin submits one divide_and_keep transaction paying gas with the
// coin being split, then adopts the pieces it created.
func (in *Initializer) splitCoin(ctx context.Context, coin types.CoinRef, gasPrice uint64) error {
	parts := coin.Balance / in.target
	if parts > maxSplitParts {
		parts = maxSplitParts
	}
	if parts < 2 {
		parts = 2
	}

	budget, err := in.estimateBudget(ctx, parts)
	if err != nil {
		return err
	}
	if budget >= coin.Balance {
		return errs.Newf(errs.KindInsufficient,
			"estimated budget %d exceeds the coin balance %d", budget, coin.Balance)
	}

	ref, err := ledger.RefFromCoin(coin)
	if err != nil {
		return err
	}
	tx, err := ledger.NewSplitTransaction(in.sponsor, ref, parts, gasPrice, budget)
	if err != nil {
		return err
	}
	sig, err := in.signer.Sign(ctx, tx.Bytes())
	if err != nil {
		return err
	}
	effects, err := in.node.Execute(ctx, base64.StdEncoding.EncodeToString(tx.Bytes()), []string{sig})
	if err != nil {
		return err
	}
	in.markHandled(coin)
	if !effects.Succeeded() {
		return errs.Newf(errs.KindLedgerUnavailable, "split execution failed: %s", effects.Error)
	}

	// Wait for the node to serve the post-split state, then read the
	// created coins for their true balances. The residual in the gas
	// coin comes back through the next discovery pass.
	settleCtx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	if err := in.node.WaitForObjectVersion(settleCtx, coin.ObjectID, effects.GasObject.Version); err != nil {
		in.log.WithError(err).WithField("coin", coin.String()).Warn("post-split state not yet visible")
	}

	ids := make([]types.ObjectID, 0, len(effects.Created))
	for _, obj := range effects.Created {
		if obj.Owner == in.sponsor {
			ids = append(ids, obj.Ref.ObjectID)
		}
	}
	if len(ids) == 0 {
		return errs.Newf(errs.KindLedgerUnavailable, "split of %s created no coins", coin.ObjectID.Short())
	}
	snapshots, err := in.node.MultiGetObjects(ctx, ids)
	if err != nil {
		return err
	}
	pieces := make([]types.CoinRef, 0, len(snapshots))
	for _, snap := range snapshots {
		if !snap.Exists || snap.Ref.Balance == 0 {
			continue
		}
		pieces = append(pieces, snap.Ref)
	}
	if err := in.store.AddCoins(ctx, in.sponsor, pieces); err != nil {
		return err
	}
	metrics.CoinsSplitTotal.Add(float64(len(pieces)))
	in.log.WithFields(map[string]interface{}{
		"coin":    coin.ObjectID.Short(),
		"parts":   parts,
		"adopted": len(pieces),
		"budget":  budget,
	}).Info("split funding coin")
	return nil
}

func (in *Initializer) estimateBudget(ctx context.Context, parts uint64) (uint64, error) {
	kindBytes, err := ledger.NewSplitKindBytes(parts)
	if err != nil {
		return 0, err
	}
	est, err := in.node.DevInspect(ctx, in.sponsor, base64.StdEncoding.EncodeToString(kindBytes))
	if err != nil {
		return 0, err
	}
	budget := est.GasUsed.Charged() * budgetSafetyFactor
	if budget == 0 {
		return 0, errs.Newf(errs.KindLedgerUnavailable, "node estimated zero gas for the split")
	}
	return budget, nil
}

func (in *Initializer) handled(coin types.CoinRef) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.seen[coinKey{id: coin.ObjectID, version: coin.Version}]
}

func (in *Initializer) markHandled(coin types.CoinRef) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.seen[coinKey{id: coin.ObjectID, version: coin.Version}] = true
}

// Replenisher schedules periodic replenish passes.
type Replenisher struct {
	init  *Initializer
	every time.Duration
	cron  *cron.Cron
	log   *logger.Logger
}

func NewReplenisher(init *Initializer, every time.Duration, log *logger.Logger) *Replenisher {
	return &Replenisher{init: init, every: every, cron: cron.New(), log: log}
}

func (r *Replenisher) Name() string { return "pool-replenisher" }

func (r *Replenisher) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %ds", int64(r.every.Seconds()))
	_, err := r.cron.AddFunc(spec, func() {
		runCtx, cancel := context.WithTimeout(context.Background(), r.every)
		defer cancel()
		if err := r.init.Run(runCtx, Replenish); err != nil {
			r.log.WithError(err).Warn("replenish pass failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule replenisher: %w", err)
	}
	r.cron.Start()
	return nil
}

func (r *Replenisher) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("replenisher: %w", ctx.Err())
	}
}
