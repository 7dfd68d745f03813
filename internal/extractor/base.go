// Package extractor implements the Extractor (C4): a per-protocol
// state machine shared by a VM (account-oriented) and a native
// (entity-oriented) flavour, differing only in payload decoding and
// the shape of the emitted aggregated message (spec.md §4.4).
package extractor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"tycho/internal/gateway"
	"tycho/internal/model"
	"tycho/pkg/chain"
	"tycho/pkg/errs"
)

// ChainStateProvider reports the current chain head, used to classify
// syncing vs. live.
type ChainStateProvider interface {
	Head(ctx context.Context, chn chain.Chain) (uint64, error)
}

// TokenResolver is the narrow surface Base needs from the Token
// Pre-Processor (C3); satisfied by *tokens.PreProcessor.
type TokenResolver interface {
	GetTokens(ctx context.Context, chn chain.Chain, addrs []chain.Address) ([]model.Token, error)
}

// syncingLagBlocks is the threshold past which the extractor is
// considered to be catching up rather than tracking the chain head
// live (spec.md §4.4: "current_chain_head − block.number > 5").
const syncingLagBlocks = 5

// progressReportInterval bounds how often syncing progress logs at
// most once per minute (spec.md §4.4).
const progressReportInterval = time.Minute

// Base is the shared state machine both flavours embed: cursor,
// last-processed block, progress timer, the construction protocol,
// and the persist/revert plumbing against the Persistence Gateway.
type Base struct {
	Identity       model.ExtractorIdentity
	Chain          chain.Chain
	ProtocolSystem string

	gw            gateway.Gateway
	chainState    ChainStateProvider
	tokens        TokenResolver
	protocolTypes map[string]model.ProtocolType
	postProcess   func(model.NormalisedMessage) model.NormalisedMessage
	batchSize     int

	clk clock.Clock
	log *logrus.Entry

	mu                    sync.Mutex
	cursor                model.Cursor
	lastProcessedBlock    *model.Block
	lastReportTS          time.Time
	lastReportBlockNumber uint64
}

// Config parameterises Base construction, per spec.md §4.4's
// (identity, chain, chain_state, gateway, protocol_types,
// post_processor?).
type Config struct {
	Identity       model.ExtractorIdentity
	Chain          chain.Chain
	ProtocolSystem string
	Gateway        gateway.Gateway
	ChainState     ChainStateProvider
	Tokens         TokenResolver
	Catalog        []model.ProtocolType
	PostProcess    func(model.NormalisedMessage) model.NormalisedMessage
	BatchSize      int
	Clock          clock.Clock
	Log            *logrus.Entry
}

// NewBase runs the construction protocol: read the durable cursor
// (NotFound becomes an empty cursor, any other error is fatal), then
// register the protocol type catalog.
func NewBase(ctx context.Context, cfg Config) (*Base, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	cursor, err := cfg.Gateway.GetCursor(ctx, cfg.Identity.Name, cfg.Chain)
	if err != nil {
		if !errors.Is(err, errs.NotFound) {
			return nil, errs.Wrap(errs.Setup, "read durable cursor", err)
		}
		cursor = nil
	}

	if err := cfg.Gateway.EnsureProtocolTypes(ctx, cfg.Catalog); err != nil {
		return nil, errs.Wrap(errs.Setup, "ensure protocol types", err)
	}

	types := make(map[string]model.ProtocolType, len(cfg.Catalog))
	for _, t := range cfg.Catalog {
		types[t.Name] = t
	}

	return &Base{
		Identity:       cfg.Identity,
		Chain:          cfg.Chain,
		ProtocolSystem: cfg.ProtocolSystem,
		gw:             cfg.Gateway,
		chainState:     cfg.ChainState,
		tokens:         cfg.Tokens,
		protocolTypes:  types,
		postProcess:    cfg.PostProcess,
		batchSize:      cfg.BatchSize,
		clk:            clk,
		log:            log,
		cursor:         cursor,
	}, nil
}

// ID returns the extractor's identity, satisfying runner.Extractor.
func (b *Base) ID() model.ExtractorIdentity {
	return b.Identity
}

// Cursor returns the last acknowledged cursor.
func (b *Base) Cursor() model.Cursor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

// LastProcessedBlock returns the last block a Forward succeeded for,
// or nil before the first one.
func (b *Base) LastProcessedBlock() *model.Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastProcessedBlock
}

// advanceCursorOnly handles an Empty-decoded payload: the cursor moves
// but no state changed and nothing is emitted (spec.md §4.4 step 1).
func (b *Base) advanceCursorOnly(cursor model.Cursor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = cursor
}

// setForwardState records a successful Forward's bookkeeping and, while
// syncing, logs progress at most once per minute.
func (b *Base) setForwardState(block model.Block, cursor model.Cursor, syncing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastProcessedBlock = &block
	b.cursor = cursor

	if !syncing {
		return
	}
	now := b.clk.Now()
	if !b.lastReportTS.IsZero() && now.Sub(b.lastReportTS) < progressReportInterval {
		return
	}

	fields := logrus.Fields{"extractor": b.Identity.String(), "block": block.Number}
	if !b.lastReportTS.IsZero() {
		elapsed := now.Sub(b.lastReportTS).Minutes()
		if elapsed > 0 {
			fields["blocks_min"] = float64(block.Number-b.lastReportBlockNumber) / elapsed
		}
	}
	b.log.WithFields(fields).Info("extractor syncing")
	b.lastReportTS = now
	b.lastReportBlockNumber = block.Number
}

// classifySyncing computes spec.md §4.4's syncing predicate: 0 (not
// syncing) when head <= number, else head - number > 5.
func (b *Base) classifySyncing(ctx context.Context, blockNumber uint64) (bool, error) {
	if b.chainState == nil {
		return false, nil
	}
	head, err := b.chainState.Head(ctx, b.Chain)
	if err != nil {
		return false, errs.Wrap(errs.Upstream, "read chain head", err)
	}
	if head <= blockNumber {
		return false, nil
	}
	return head-blockNumber > syncingLagBlocks, nil
}

// persistInput is the flavour-agnostic write sequence spec.md §4.4
// step 5 describes: block/tx rows, then new-token discovery and
// insertion, then new components, then per-tx deltas, then balances,
// then the extraction state row — all inside one
// start_transaction/commit_transaction(batch_size if syncing else 0).
type persistInput struct {
	block          model.Block
	txs            []model.Transaction
	newComponents  []model.ProtocolComponent
	contractDeltas []gateway.ContractDelta
	stateDeltas    []gateway.StateDelta
	balances       []model.ComponentBalance
	syncing        bool
	cursor         model.Cursor
}

func (b *Base) persist(ctx context.Context, in persistInput) error {
	if err := b.gw.StartTransaction(ctx, in.block); err != nil {
		return errs.Wrap(errs.Storage, "start transaction", err)
	}
	if err := b.gw.UpsertBlock(ctx, in.block); err != nil {
		return errs.Wrap(errs.Storage, "upsert block", err)
	}
	for _, tx := range in.txs {
		if err := b.gw.UpsertTx(ctx, tx); err != nil {
			return errs.Wrap(errs.Storage, "upsert tx", err)
		}
	}

	if err := b.discoverAndInsertTokens(ctx, in.newComponents); err != nil {
		return err
	}

	if len(in.newComponents) > 0 {
		if err := b.gw.AddProtocolComponents(ctx, in.newComponents); err != nil {
			return errs.Wrap(errs.Storage, "add protocol components", err)
		}
	}
	if len(in.contractDeltas) > 0 {
		if err := b.gw.UpdateContracts(ctx, in.contractDeltas); err != nil {
			return errs.Wrap(errs.Storage, "update contracts", err)
		}
	}
	if len(in.stateDeltas) > 0 {
		if err := b.gw.UpdateProtocolStates(ctx, in.stateDeltas); err != nil {
			return errs.Wrap(errs.Storage, "update protocol states", err)
		}
	}
	if len(in.balances) > 0 {
		if err := b.gw.AddComponentBalances(ctx, in.balances); err != nil {
			return errs.Wrap(errs.Storage, "add component balances", err)
		}
	}
	if err := b.gw.SaveState(ctx, model.ExtractionState{Name: b.Identity.Name, Chain: b.Chain, Cursor: in.cursor}); err != nil {
		return errs.Wrap(errs.Storage, "save extraction state", err)
	}

	batchSize := 0
	if in.syncing {
		batchSize = b.batchSize
	}
	if err := b.gw.CommitTransaction(ctx, batchSize); err != nil {
		return errs.Wrap(errs.Storage, "commit transaction", err)
	}
	return nil
}

// discoverAndInsertTokens collects every token address referenced by
// newComponents, asks the gateway which are unknown, resolves those
// via the Token Pre-Processor, and inserts them before the components
// that reference them are inserted (spec.md §4.4 step 5).
func (b *Base) discoverAndInsertTokens(ctx context.Context, newComponents []model.ProtocolComponent) error {
	seen := make(map[chain.Address]bool)
	var addrs []chain.Address
	for _, c := range newComponents {
		for _, t := range c.Tokens {
			if !seen[t] {
				seen[t] = true
				addrs = append(addrs, t)
			}
		}
	}
	if len(addrs) == 0 {
		return nil
	}

	unknown, err := b.gw.UnknownTokens(ctx, b.Chain, addrs)
	if err != nil {
		return errs.Wrap(errs.Storage, "list unknown tokens", err)
	}
	if len(unknown) == 0 {
		return nil
	}
	if b.tokens == nil {
		return errs.New(errs.Setup, "new tokens referenced but no token resolver configured")
	}

	resolved, err := b.tokens.GetTokens(ctx, b.Chain, unknown)
	if err != nil {
		return errs.Wrap(errs.Upstream, "resolve new tokens", err)
	}
	if err := b.gw.AddTokens(ctx, resolved); err != nil {
		return errs.Wrap(errs.Storage, "add tokens", err)
	}
	return nil
}

// validateProtocolTypes implements try_from_message's validating
// conversion: every new component's ProtocolTypeName must be in the
// registered catalog (spec.md §4.4 step 2).
func validateProtocolTypes(components []model.ProtocolComponent, catalog map[string]model.ProtocolType) error {
	for _, c := range components {
		if _, ok := catalog[c.ProtocolTypeName]; !ok {
			return errs.New(errs.Decode, "unknown protocol_type_name "+c.ProtocolTypeName)
		}
	}
	return nil
}

// revertBuilder turns the Gateway's inverse Delta into the
// flavour-specific NormalisedMessage a Revert emits.
type revertBuilder func(gateway.Delta) model.NormalisedMessage

// handleRevert implements spec.md §4.4's shared Revert algorithm. A
// revert with no processed baseline is ignored (degraded but safe):
// the cursor and last_processed_block are left untouched and nothing
// is emitted, matching the upstream reference's own choice to accept
// this as unsafe-but-ignored rather than fatal.
func (b *Base) handleRevert(ctx context.Context, lastValidBlockID string, lastValidBlockNumber uint64, lastValidCursor model.Cursor, build revertBuilder) (model.NormalisedMessage, error) {
	b.mu.Lock()
	last := b.lastProcessedBlock
	b.mu.Unlock()

	if last == nil {
		b.log.WithField("extractor", b.Identity.String()).Warn("cannot revert: no baseline, ignoring")
		return nil, nil
	}

	to := chain.HexToHash(lastValidBlockID)
	delta, err := b.gw.Revert(ctx, b.Chain, last.Hash, to, b.Identity.Name, lastValidCursor)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "revert", err)
	}

	b.mu.Lock()
	b.cursor = lastValidCursor
	b.lastProcessedBlock = &model.Block{Chain: b.Chain, Hash: to, Number: lastValidBlockNumber}
	b.mu.Unlock()

	if delta.Empty() {
		return nil, nil
	}
	return build(delta), nil
}
