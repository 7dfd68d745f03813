// Package gateway implements the Persistence Gateway (C2):
// transactional, cache-fronted access to durable storage with
// batched-commit semantics (spec.md §4.2).
package gateway

import (
	"context"

	"tycho/internal/model"
	"tycho/pkg/chain"
)

// Gateway is the union of operations spec.md §4.2 requires. A
// transaction is opened with StartTransaction and closed with
// CommitTransaction; every write method between those two calls is
// scoped to the open transaction.
type Gateway interface {
	StartTransaction(ctx context.Context, block model.Block) error
	UpsertBlock(ctx context.Context, b model.Block) error
	UpsertTx(ctx context.Context, tx model.Transaction) error
	InsertContract(ctx context.Context, addr chain.Address, chn chain.Chain) error
	UpdateContracts(ctx context.Context, deltas []ContractDelta) error
	AddProtocolComponents(ctx context.Context, comps []model.ProtocolComponent) error
	UpdateProtocolStates(ctx context.Context, deltas []StateDelta) error
	AddComponentBalances(ctx context.Context, balances []model.ComponentBalance) error
	AddTokens(ctx context.Context, tokens []model.Token) error
	AddProtocolTypes(ctx context.Context, types []model.ProtocolType) error
	SaveState(ctx context.Context, state model.ExtractionState) error
	// CommitTransaction commits immediately when batchSize == 0;
	// otherwise the write is buffered until the pending batch reaches
	// batchSize blocks, at which point it and every block buffered
	// since the last flush commit atomically.
	CommitTransaction(ctx context.Context, batchSize int) error

	// GetCursor returns errs.NotFound when no extraction state has ever
	// been saved for (name, chn) — the "no prior cursor" signal callers
	// use on first start (spec.md §4.2).
	GetCursor(ctx context.Context, name string, chn chain.Chain) (model.Cursor, error)
	GetState(ctx context.Context, name string, chn chain.Chain) (model.ExtractionState, error)
	GetTokens(ctx context.Context, chn chain.Chain, addrs []chain.Address) ([]model.Token, error)
	GetBlock(ctx context.Context, id BlockID) (model.Block, error)
	GetContract(ctx context.Context, id chain.Address, version *uint64, withSlots bool) (ContractState, error)
	GetProtocolComponents(ctx context.Context, chn chain.Chain, q ComponentQuery) ([]model.ProtocolComponent, error)
	GetDelta(ctx context.Context, chn chain.Chain, start, end *uint64) (Delta, error)
	GetBalanceDeltas(ctx context.Context, chn chain.Chain, start, end *uint64) ([]model.ComponentBalance, error)

	// EnsureProtocolTypes registers the static catalog an extractor
	// validates every ProtocolComponent against; idempotent.
	EnsureProtocolTypes(ctx context.Context, catalog []model.ProtocolType) error

	// UnknownTokens filters addrs down to those C2 has never seen,
	// preserving input order (spec.md §4.4 step 5: "collects every
	// token address referenced by new components, asks C2 which are
	// unknown").
	UnknownTokens(ctx context.Context, chn chain.Chain, addrs []chain.Address) ([]chain.Address, error)

	// Revert produces the inverse delta between (to, current] scoped to
	// the caller's extractor, rewinding the durable cursor to
	// lastValidCursor atomically with the inverse write (spec.md §4.4
	// Revert step 3).
	Revert(ctx context.Context, chn chain.Chain, current, to chain.Hash, extractorName string, lastValidCursor model.Cursor) (Delta, error)
}
