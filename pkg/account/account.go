// Package account implements C3 UserAccount and C4 AccountDatabase: the
// sharded, shorthash-routed table of per-account asset balances and
// sequence numbers, and the authenticated trie of account commitments
// built over it.
package account

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/speedex-labs/batchengine/pkg/asset"
	"github.com/speedex-labs/batchengine/pkg/seqtracker"
	"github.com/speedex-labs/batchengine/pkg/types"
	"github.com/speedex-labs/batchengine/pkg/xdr"
)

// Account is C3 UserAccount: a small vector of RevertableAssets per owned
// asset, a side-list of assets first touched this round, a sequence
// tracker, and the account's public key (spec §4.3).
type Account struct {
	ID     types.AccountID
	PubKey ed25519.PublicKey
	Seq    *seqtracker.Tracker

	mu          sync.RWMutex
	assets      map[types.AssetID]*asset.Asset
	dirtyAssets []types.AssetID // assets first touched this round
}

// New constructs an Account with the given starting native-asset balance
// (the CREATE_ACCOUNT op's "Starting" field).
func New(id types.AccountID, pubKey ed25519.PublicKey, startingBalance int64, seqWindow int) *Account {
	a := &Account{
		ID:     id,
		PubKey: pubKey,
		Seq:    seqtracker.New(seqWindow),
		assets: make(map[types.AssetID]*asset.Asset),
	}
	a.assets[types.NativeAsset] = asset.New(startingBalance)
	return a
}

// installCommitted constructs an Account directly from a persisted
// Commitment, bypassing the starting-balance constructor New uses for
// CREATE_ACCOUNT. Used by genesis install and the ReplayLoader (spec
// §4.17) to rebuild account state that is already fully committed, so no
// tentative/committed split needs to be replayed.
func installCommitted(c Commitment, seqWindow int) *Account {
	a := &Account{
		ID:     c.Owner,
		PubKey: append(ed25519.PublicKey(nil), c.PubKey...),
		Seq:    seqtracker.New(seqWindow),
		assets: make(map[types.AssetID]*asset.Asset),
	}
	for id, bal := range c.AssetBalances {
		a.assets[id] = asset.New(bal)
	}
	a.Seq.SetLastCommitted(c.LastCommitted)
	return a
}

// assetFor returns the Asset for id, creating it (and recording it as dirty
// this round) if it does not already exist.
func (a *Account) assetFor(id types.AssetID) *asset.Asset {
	a.mu.RLock()
	ast, ok := a.assets[id]
	a.mu.RUnlock()
	if ok {
		return ast
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if ast, ok := a.assets[id]; ok {
		return ast
	}
	ast = asset.New(0)
	a.assets[id] = ast
	a.dirtyAssets = append(a.dirtyAssets, id)
	return ast
}

// TryTransfer applies delta to asset id's available balance, creating the
// asset lazily. Returns false (no mutation) on overflow or insufficient
// balance for a negative delta.
func (a *Account) TryTransfer(id types.AssetID, delta int64) bool {
	return a.assetFor(id).TryTransfer(delta)
}

// TryEscrow is TryTransfer(-delta) with the MinInt64 guard (spec §4.1).
func (a *Account) TryEscrow(id types.AssetID, delta int64) bool {
	return a.assetFor(id).TryEscrow(delta)
}

// AssetBalance returns asset id's current available balance and whether the
// asset has ever been touched.
func (a *Account) AssetBalance(id types.AssetID) (int64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ast, ok := a.assets[id]
	if !ok {
		return 0, false
	}
	return ast.Available(), true
}

// Commit commits every asset and the sequence tracker, then clears the
// dirty-asset side-list (spec §4.4 commit_values calls account.commit() per
// touched account).
func (a *Account) Commit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ast := range a.assets {
		ast.Commit()
	}
	a.dirtyAssets = a.dirtyAssets[:0]
	a.Seq.Commit()
}

// Rollback restores every asset's available balance from its committed
// value and rolls back the sequence tracker.
func (a *Account) Rollback() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ast := range a.assets {
		ast.Rollback()
	}
	a.dirtyAssets = a.dirtyAssets[:0]
	a.Seq.Rollback()
}

// InValidState reports whether every asset's tentative balance is
// non-negative.
func (a *Account) InValidState() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, ast := range a.assets {
		if !ast.InValidState() {
			return false
		}
	}
	return true
}

// CommittedValid reports whether every asset's committed balance is
// non-negative, used by check_valid_state after a tentative commit.
func (a *Account) CommittedValid() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, ast := range a.assets {
		if !ast.CommittedValid() {
			return false
		}
	}
	return true
}

// Commitment is AccountCommitment: the per-account hashed summary
// (spec §4.3): (owner, pk, committed_asset_balances, last_committed_seq).
type Commitment struct {
	Owner         types.AccountID
	PubKey        ed25519.PublicKey
	AssetBalances map[types.AssetID]int64
	LastCommitted uint64
}

// ProduceCommitment builds the committed-balance view of the account (used
// by C4.produce_commitment).
func (a *Account) ProduceCommitment() Commitment {
	a.mu.RLock()
	defer a.mu.RUnlock()
	balances := make(map[types.AssetID]int64, len(a.assets))
	for id, ast := range a.assets {
		balances[id] = ast.Committed()
	}
	return Commitment{
		Owner:         a.ID,
		PubKey:        append(ed25519.PublicKey(nil), a.PubKey...),
		AssetBalances: balances,
		LastCommitted: a.Seq.LastCommitted(),
	}
}

// TentativeCommitment builds the tentative (pre-commit) balance view, used
// by C4.tentative_produce_commitment.
func (a *Account) TentativeCommitment() Commitment {
	a.mu.RLock()
	defer a.mu.RUnlock()
	balances := make(map[types.AssetID]int64, len(a.assets))
	for id, ast := range a.assets {
		balances[id] = ast.Available()
	}
	return Commitment{
		Owner:         a.ID,
		PubKey:        append(ed25519.PublicKey(nil), a.PubKey...),
		AssetBalances: balances,
		LastCommitted: a.Seq.LastCommitted(),
	}
}

// CanonicalBytes serializes a Commitment deterministically (ascending
// AssetID order) for hashing in the account trie.
func (c Commitment) CanonicalBytes() []byte {
	ids := make([]types.AssetID, 0, len(c.AssetBalances))
	for id := range c.AssetBalances {
		ids = append(ids, id)
	}
	sortAssetIDs(ids)

	e := xdr.NewEncoder()
	e.U64(uint64(c.Owner))
	e.VarBytes(c.PubKey)
	e.U32(uint32(len(ids)))
	for _, id := range ids {
		e.U16(uint16(id)).I64(c.AssetBalances[id])
	}
	e.U64(c.LastCommitted)
	return e.Bytes()
}

// DecodeCommitment inverts Commitment.CanonicalBytes, used by the
// ReplayLoader to reconstruct accounts from persisted commitment bytes
// (spec §4.17).
func DecodeCommitment(b []byte) (Commitment, error) {
	d := xdr.NewDecoder(b)
	var c Commitment

	owner, err := d.U64()
	if err != nil {
		return c, fmt.Errorf("account: decode commitment owner: %w", err)
	}
	c.Owner = types.AccountID(owner)

	pubKey, err := d.VarBytes()
	if err != nil {
		return c, fmt.Errorf("account: decode commitment pubkey: %w", err)
	}
	c.PubKey = ed25519.PublicKey(pubKey)

	n, err := d.U32()
	if err != nil {
		return c, fmt.Errorf("account: decode commitment balance count: %w", err)
	}
	c.AssetBalances = make(map[types.AssetID]int64, n)
	for i := uint32(0); i < n; i++ {
		id, err := d.U16()
		if err != nil {
			return c, fmt.Errorf("account: decode commitment asset %d id: %w", i, err)
		}
		bal, err := d.I64()
		if err != nil {
			return c, fmt.Errorf("account: decode commitment asset %d balance: %w", i, err)
		}
		c.AssetBalances[types.AssetID(id)] = bal
	}

	lastCommitted, err := d.U64()
	if err != nil {
		return c, fmt.Errorf("account: decode commitment lastCommitted: %w", err)
	}
	c.LastCommitted = lastCommitted

	if !d.Done() {
		return c, fmt.Errorf("account: trailing bytes after commitment")
	}
	return c, nil
}

func sortAssetIDs(ids []types.AssetID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
