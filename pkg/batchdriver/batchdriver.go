// Package batchdriver implements C10 ParallelBatchDriver: the worker pool
// that applies one round's mempool snapshot against live account state,
// each worker accumulating its own thread-local modification log and
// staged order-book inserts before a final parallel merge (spec §4.10).
package batchdriver

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/speedex-labs/batchengine/pkg/account"
	"github.com/speedex-labs/batchengine/pkg/mempool"
	"github.com/speedex-labs/batchengine/pkg/modlog"
	"github.com/speedex-labs/batchengine/pkg/orderbook"
	"github.com/speedex-labs/batchengine/pkg/txproc"
	"github.com/speedex-labs/batchengine/pkg/types"
	"github.com/speedex-labs/batchengine/pkg/xdr"
)

// Result is the outcome of running a block's worth of transactions
// through the batch driver.
type Result struct {
	// DirtyAccounts lists every account touched this round, in ascending
	// order (spec §4.10 step 4: feeds C4's commit/check/commitment passes).
	DirtyAccounts []types.AccountID
	// ChunkResults holds, per mempool chunk, the result code for each
	// transaction it held (including ones left untouched because the
	// block filled up before reaching them) — nil entries mean "did not
	// run this round".
	ChunkResults [][]*types.TxResultCode
	// Included is the number of transactions actually processed.
	Included int
	// Txs holds every transaction that committed successfully this round,
	// in chunk-then-index order (deterministic given a fixed mempool
	// snapshot) — the block body spec §4.12 step 5 calls "the
	// modification-log-derived tx list".
	Txs []*xdr.SignedTransaction
}

// Run partitions mempool's current snapshot across workers, applies each
// transaction through a fresh Processor wired to db/the canonical offer
// manager/a fresh modlog, and merges every worker's thread-local state
// back into the canonical stores before returning (spec §4.10,
// §4.12 propose() steps 1-2).
//
// blockSize caps the total number of transactions actually applied;
// workers race to claim space from a shared counter and stop consuming
// their chunk once it hits zero, so a chunk mid-block can be partially
// applied (spec §4.10's "remaining_block_space").
func Run(ctx context.Context, mp *mempool.Mempool, db *account.Database, offers *orderbook.Manager, params txproc.Params, blockSize uint32) (*Result, error) {
	chunks := mp.Snapshot()
	result := &Result{ChunkResults: make([][]*types.TxResultCode, len(chunks))}

	var remaining atomic.Int64
	remaining.Store(int64(blockSize))

	canonicalLog := modlog.New()
	locals := make([]*modlog.Log, len(chunks))
	stagedOffers := make([]*orderbook.Staged, len(chunks))

	parallelism := int64(runtime.GOMAXPROCS(0))
	g, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(parallelism)

	var includedCounts = make([]int64, len(chunks))
	successTxs := make([][]*xdr.SignedTransaction, len(chunks))

	for i, chunk := range chunks {
		i, chunk := i, chunk
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)

			localLog := canonicalLog.Checkout()
			localOffers := offers.Checkout()
			locals[i] = localLog
			stagedOffers[i] = localOffers

			proc := txproc.New(db, localOffers, offers, localLog, params)
			codes := make([]*types.TxResultCode, len(chunk.Txs))
			var succeeded []*xdr.SignedTransaction

			for j, tx := range chunk.Txs {
				if remaining.Add(-1) < 0 {
					remaining.Add(1)
					break
				}
				code := proc.ProcessTx(tx)
				codes[j] = &code
				includedCounts[i]++
				if code == types.TxSuccess {
					succeeded = append(succeeded, tx)
				}
				if types.MempoolRetention[code] == types.RetentionRemove {
					chunk.MarkRemoved(j)
				}
			}
			result.ChunkResults[i] = codes
			successTxs[i] = succeeded
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := offers.PartialFinish(ctx, stagedOffers); err != nil {
		return nil, err
	}
	canonicalLog.BatchMergeIn(locals)

	mp.RemoveConfirmed()

	for _, c := range includedCounts {
		result.Included += int(c)
	}
	for _, s := range successTxs {
		result.Txs = append(result.Txs, s...)
	}
	result.DirtyAccounts = canonicalLog.DirtyAccounts()
	return result, nil
}
