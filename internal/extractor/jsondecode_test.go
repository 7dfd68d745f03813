package extractor

import (
	"encoding/json"
	"testing"

	"tycho/internal/model"
	"tycho/pkg/chain"
	"tycho/pkg/errs"
)

func TestJSONVMDecoderDecodesTxUpdatesAndStampsIdentity(t *testing.T) {
	raw, err := json.Marshal(model.BlockContractChanges{
		Block: model.Block{Number: 1},
		TxUpdates: []model.TxUpdate{
			{Tx: model.Transaction{Index: 0}},
		},
	})
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}

	var d JSONVMDecoder
	id := model.ExtractorIdentity{Chain: chain.Ethereum, Name: "uniswap_v2"}
	changes, err := d.Decode(raw, id, "uniswap_v2")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if changes.Extractor != "uniswap_v2" || changes.Chain != chain.Ethereum {
		t.Fatalf("expected identity stamped onto decoded changes, got %+v", changes)
	}
	if len(changes.TxUpdates) != 1 {
		t.Fatalf("expected 1 tx update, got %d", len(changes.TxUpdates))
	}
}

func TestJSONVMDecoderEmptyPayloadIsErrsEmpty(t *testing.T) {
	raw, err := json.Marshal(model.BlockContractChanges{Block: model.Block{Number: 1}})
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}

	var d JSONVMDecoder
	_, err = d.Decode(raw, model.ExtractorIdentity{}, "")
	if !errs.Is(err, errs.Empty) {
		t.Fatalf("expected errs.Empty, got %v", err)
	}
}

func TestJSONNativeDecoderDecodesTxUpdates(t *testing.T) {
	raw, err := json.Marshal(model.BlockEntityChanges{
		Block: model.Block{Number: 1},
		TxUpdates: []model.TxUpdate{
			{Tx: model.Transaction{Index: 0}},
		},
	})
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}

	var d JSONNativeDecoder
	id := model.ExtractorIdentity{Chain: chain.Ethereum, Name: "curve_v1"}
	changes, err := d.Decode(raw, id, "curve_v1")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if changes.Extractor != "curve_v1" {
		t.Fatalf("expected identity stamped, got %+v", changes)
	}
}

func TestJSONNativeDecoderEmptyPayloadIsErrsEmpty(t *testing.T) {
	raw, err := json.Marshal(model.BlockEntityChanges{Block: model.Block{Number: 1}})
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}

	var d JSONNativeDecoder
	_, err = d.Decode(raw, model.ExtractorIdentity{}, "")
	if !errs.Is(err, errs.Empty) {
		t.Fatalf("expected errs.Empty, got %v", err)
	}
}
