package extractor

import (
	"context"

	"tycho/internal/gateway"
	"tycho/internal/model"
	"tycho/pkg/errs"
)

// NativeExtractor is the entity-oriented flavour: payloads decode to
// per-component attribute deltas, with no account/storage tracking.
type NativeExtractor struct {
	*Base
	decoder NativeDecoder
}

// NewNativeExtractor pairs a constructed Base with a native payload
// decoder.
func NewNativeExtractor(base *Base, decoder NativeDecoder) *NativeExtractor {
	return &NativeExtractor{Base: base, decoder: decoder}
}

// HandleTickScopedData implements spec.md §4.4's Forward algorithm for
// the native flavour.
func (e *NativeExtractor) HandleTickScopedData(ctx context.Context, raw []byte, cursor model.Cursor) (model.NormalisedMessage, error) {
	changes, err := e.decoder.Decode(raw, e.Identity, e.ProtocolSystem)
	if err != nil {
		if errs.Is(err, errs.Empty) {
			e.advanceCursorOnly(cursor)
			return nil, nil
		}
		return nil, err
	}

	var newComponents []model.ProtocolComponent
	var stateDeltas []gateway.StateDelta
	var balances []model.ComponentBalance
	txs := make([]model.Transaction, 0, len(changes.TxUpdates))
	for _, tx := range changes.TxUpdates {
		txs = append(txs, tx.Tx)
		newComponents = append(newComponents, tx.NewComponents...)
		for _, delta := range tx.ProtocolStates {
			stateDeltas = append(stateDeltas, gateway.StateDelta{TxHash: tx.Tx.Hash, Update: delta})
		}
		balances = append(balances, tx.ComponentBalances...)
	}

	if err := validateProtocolTypes(newComponents, e.protocolTypes); err != nil {
		return nil, err
	}

	syncing, err := e.classifySyncing(ctx, changes.Block.Number)
	if err != nil {
		return nil, err
	}

	if err := e.persist(ctx, persistInput{
		block:         changes.Block,
		txs:           txs,
		newComponents: newComponents,
		stateDeltas:   stateDeltas,
		balances:      balances,
		syncing:       syncing,
		cursor:        cursor,
	}); err != nil {
		return nil, err
	}

	e.setForwardState(changes.Block, cursor, syncing)

	agg := model.AggregateEntityChanges(e.Identity.Name, changes)
	return e.applyPostProcess(agg), nil
}

// HandleRevert implements spec.md §4.4's Revert algorithm for the
// native flavour, per SPEC_FULL.md §7(a).
func (e *NativeExtractor) HandleRevert(ctx context.Context, lastValidBlockID string, lastValidBlockNumber uint64, lastValidCursor model.Cursor) (model.NormalisedMessage, error) {
	return e.handleRevert(ctx, lastValidBlockID, lastValidBlockNumber, lastValidCursor, func(d gateway.Delta) model.NormalisedMessage {
		return model.BlockEntityChangesResult{
			ExtractorName:         e.Identity.Name,
			Chain:                 e.Chain,
			Revert:                true,
			StateUpdates:          d.StateDeltas,
			ComponentsRemoved:     d.ComponentsRemoved,
			ComponentsReadded:     d.ComponentsReadded,
			NewProtocolComponents: nil,
		}
	})
}
