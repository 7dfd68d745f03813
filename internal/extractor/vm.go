package extractor

import (
	"context"

	"tycho/internal/gateway"
	"tycho/internal/model"
	"tycho/pkg/errs"
)

// VMExtractor is the account-oriented flavour: payloads decode to
// per-account deltas against a single tracked contract's storage.
type VMExtractor struct {
	*Base
	decoder VMDecoder
}

// NewVMExtractor pairs a constructed Base with a VM payload decoder.
func NewVMExtractor(base *Base, decoder VMDecoder) *VMExtractor {
	return &VMExtractor{Base: base, decoder: decoder}
}

// HandleTickScopedData implements spec.md §4.4's Forward algorithm for
// the VM flavour.
func (e *VMExtractor) HandleTickScopedData(ctx context.Context, raw []byte, cursor model.Cursor) (model.NormalisedMessage, error) {
	changes, err := e.decoder.Decode(raw, e.Identity, e.ProtocolSystem)
	if err != nil {
		if errs.Is(err, errs.Empty) {
			e.advanceCursorOnly(cursor)
			return nil, nil
		}
		return nil, err
	}

	var newComponents []model.ProtocolComponent
	var contractDeltas []gateway.ContractDelta
	var balances []model.ComponentBalance
	txs := make([]model.Transaction, 0, len(changes.TxUpdates))
	for _, tx := range changes.TxUpdates {
		txs = append(txs, tx.Tx)
		newComponents = append(newComponents, tx.NewComponents...)
		for _, upd := range tx.AccountUpdates {
			contractDeltas = append(contractDeltas, gateway.ContractDelta{TxHash: tx.Tx.Hash, Update: upd})
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
		block:          changes.Block,
		txs:            txs,
		newComponents:  newComponents,
		contractDeltas: contractDeltas,
		balances:       balances,
		syncing:        syncing,
		cursor:         cursor,
	}); err != nil {
		return nil, err
	}

	e.setForwardState(changes.Block, cursor, syncing)

	agg := model.AggregateAccountChanges(e.Identity.Name, changes)
	return e.applyPostProcess(agg), nil
}

// HandleRevert implements spec.md §4.4's Revert algorithm for the VM
// flavour, per SPEC_FULL.md §7(a): the inverse delta reports the
// components uncreated by the revert (DeletedProtocolComponents)
// alongside the restored account updates. NewProtocolComponents is
// copied from the gateway's ComponentsReadded, which stays empty.
func (e *VMExtractor) HandleRevert(ctx context.Context, lastValidBlockID string, lastValidBlockNumber uint64, lastValidCursor model.Cursor) (model.NormalisedMessage, error) {
	return e.handleRevert(ctx, lastValidBlockID, lastValidBlockNumber, lastValidCursor, func(d gateway.Delta) model.NormalisedMessage {
		return model.BlockAccountChanges{
			ExtractorName:             e.Identity.Name,
			Chain:                     e.Chain,
			Revert:                    true,
			AccountUpdates:            d.AccountUpdates,
			DeletedProtocolComponents: d.ComponentsRemoved,
			NewProtocolComponents:     d.ComponentsReadded,
			ComponentBalances:         d.BalanceChanges,
		}
	})
}

func (e *Base) applyPostProcess(msg model.NormalisedMessage) model.NormalisedMessage {
	if e.postProcess == nil {
		return msg
	}
	return e.postProcess(msg)
}
