package extractor

import (
	"context"
	"testing"

	"tycho/internal/gateway"
	"tycho/internal/model"
	"tycho/pkg/chain"
	"tycho/pkg/errs"
)

type fakeNativeDecoder struct {
	changes model.BlockEntityChanges
	err     error
}

func (f fakeNativeDecoder) Decode(raw []byte, identity model.ExtractorIdentity, protocolSystem string) (model.BlockEntityChanges, error) {
	return f.changes, f.err
}

func TestNativeExtractorForwardPersistsAndEmits(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	catalog := []model.ProtocolType{{Name: "curve_pool"}}
	base := newTestBase(t, gw, fixedHead{head: 1}, catalog)

	block := model.Block{Number: 1, Hash: hash(1), Chain: chain.Ethereum}
	component := model.ProtocolComponent{ID: "pool1", ProtocolSystem: "curve", ProtocolTypeName: "curve_pool", Chain: chain.Ethereum}
	delta := model.ProtocolStateDelta{ComponentID: "pool1", UpdatedAttributes: map[string][]byte{"reserve0": {1}}}

	decoder := fakeNativeDecoder{changes: model.BlockEntityChanges{
		Extractor: "curve",
		Chain:     chain.Ethereum,
		Block:     block,
		TxUpdates: []model.TxUpdate{{
			Tx:             model.Transaction{Hash: hash(10), BlockHash: block.Hash},
			ProtocolStates: map[string]model.ProtocolStateDelta{"pool1": delta},
			NewComponents:  []model.ProtocolComponent{component},
		}},
	}}

	ext := NewNativeExtractor(base, decoder)
	msg, err := ext.HandleTickScopedData(context.Background(), nil, model.Cursor("cur-1"))
	if err != nil {
		t.Fatalf("HandleTickScopedData: %v", err)
	}
	out, ok := msg.(model.BlockEntityChangesResult)
	if !ok {
		t.Fatalf("expected BlockEntityChangesResult, got %T", msg)
	}
	if len(out.StateUpdates) != 1 {
		t.Fatalf("expected one state update, got %d", len(out.StateUpdates))
	}
	if len(out.NewProtocolComponents) != 1 {
		t.Fatalf("expected pool1 reported new, got %+v", out.NewProtocolComponents)
	}
}

func TestNativeExtractorEmptyPayloadAdvancesCursorOnly(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	base := newTestBase(t, gw, fixedHead{head: 1}, nil)
	ext := NewNativeExtractor(base, fakeNativeDecoder{err: errs.New(errs.Empty, "no changes")})

	msg, err := ext.HandleTickScopedData(context.Background(), nil, model.Cursor("cur-2"))
	if err != nil {
		t.Fatalf("expected no error on Empty payload, got %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil message on Empty payload, got %v", msg)
	}
	if base.Cursor().String() != model.Cursor("cur-2").String() {
		t.Fatalf("expected cursor advanced despite empty payload")
	}
}

func TestNativeExtractorRevertWithoutBaselineIsIgnored(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	base := newTestBase(t, gw, fixedHead{head: 1}, nil)
	ext := NewNativeExtractor(base, fakeNativeDecoder{})

	msg, err := ext.HandleRevert(context.Background(), hash(0).Hex(), 0, model.Cursor("cur-3"))
	if err != nil {
		t.Fatalf("expected no error on revert without baseline, got %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil message, got %v", msg)
	}
	if base.LastProcessedBlock() != nil {
		t.Fatalf("expected last processed block unchanged")
	}
}

func TestNativeExtractorRevertWithBaselineRestoresState(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	catalog := []model.ProtocolType{{Name: "curve_pool"}}
	base := newTestBase(t, gw, fixedHead{head: 2}, catalog)

	block1 := model.Block{Number: 1, Hash: hash(1), Chain: chain.Ethereum}
	block2 := model.Block{Number: 2, Hash: hash(2), Chain: chain.Ethereum}
	component := model.ProtocolComponent{ID: "pool1", ProtocolSystem: "curve", ProtocolTypeName: "curve_pool", Chain: chain.Ethereum}

	ext := NewNativeExtractor(base, fakeNativeDecoder{changes: model.BlockEntityChanges{
		Block: block1,
		TxUpdates: []model.TxUpdate{{
			Tx:            model.Transaction{Hash: hash(10), BlockHash: block1.Hash},
			NewComponents: []model.ProtocolComponent{component},
			ProtocolStates: map[string]model.ProtocolStateDelta{
				"pool1": {ComponentID: "pool1", UpdatedAttributes: map[string][]byte{"reserve0": {1}}},
			},
		}},
	}})
	if _, err := ext.HandleTickScopedData(context.Background(), nil, model.Cursor("cur-1")); err != nil {
		t.Fatalf("block1 Forward: %v", err)
	}

	ext2 := NewNativeExtractor(base, fakeNativeDecoder{changes: model.BlockEntityChanges{
		Block: block2,
		TxUpdates: []model.TxUpdate{{
			Tx: model.Transaction{Hash: hash(20), BlockHash: block2.Hash},
			ProtocolStates: map[string]model.ProtocolStateDelta{
				"pool1": {ComponentID: "pool1", UpdatedAttributes: map[string][]byte{"reserve0": {2}}},
			},
		}},
	}})
	if _, err := ext2.HandleTickScopedData(context.Background(), nil, model.Cursor("cur-2")); err != nil {
		t.Fatalf("block2 Forward: %v", err)
	}

	msg, err := ext2.HandleRevert(context.Background(), block1.Hash.Hex(), block1.Number, model.Cursor("cur-1"))
	if err != nil {
		t.Fatalf("HandleRevert: %v", err)
	}
	out, ok := msg.(model.BlockEntityChangesResult)
	if !ok {
		t.Fatalf("expected BlockEntityChangesResult, got %T", msg)
	}
	if !out.Revert {
		t.Fatalf("expected Revert flag set")
	}
	if restored, ok := out.StateUpdates["pool1"]; !ok || string(restored.UpdatedAttributes["reserve0"]) != string([]byte{1}) {
		t.Fatalf("expected pool1 restored to reserve0=1, got %+v", out.StateUpdates["pool1"])
	}
}
