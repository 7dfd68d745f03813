package gateway

import (
	"context"
	"errors"
	"testing"

	"tycho/internal/model"
	"tycho/pkg/chain"
	"tycho/pkg/errs"
)

func blockN(n uint64) model.Block {
	var h chain.Hash
	h[31] = byte(n)
	return model.Block{Number: n, Hash: h, Chain: chain.Ethereum}
}

func TestGetCursorNotFoundOnFirstStart(t *testing.T) {
	g := NewMemoryGateway()
	_, err := g.GetCursor(context.Background(), "ambient", chain.Ethereum)
	if !errors.Is(err, errs.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCommitTransactionImmediateWhenBatchSizeZero(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	if err := g.StartTransaction(ctx, blockN(1)); err != nil {
		t.Fatal(err)
	}
	if err := g.CommitTransaction(ctx, 0); err != nil {
		t.Fatal(err)
	}

	if _, err := g.GetBlock(ctx, BlockID{Number: ptr(uint64(1)), Chain: chain.Ethereum}); err != nil {
		t.Fatalf("expected block visible after batch_size=0 commit: %v", err)
	}
}

func TestCommitTransactionBuffersUntilBatchSize(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()
	const batchSize = 3

	for i := uint64(1); i <= 2; i++ {
		if err := g.StartTransaction(ctx, blockN(i)); err != nil {
			t.Fatal(err)
		}
		if err := g.CommitTransaction(ctx, batchSize); err != nil {
			t.Fatal(err)
		}
		if _, err := g.GetBlock(ctx, BlockID{Number: &i, Chain: chain.Ethereum}); !errors.Is(err, errs.NotFound) {
			t.Fatalf("block %d should not be durable before batch flush, got %v", i, err)
		}
	}

	if err := g.StartTransaction(ctx, blockN(3)); err != nil {
		t.Fatal(err)
	}
	if err := g.CommitTransaction(ctx, batchSize); err != nil {
		t.Fatal(err)
	}

	for i := uint64(1); i <= 3; i++ {
		if _, err := g.GetBlock(ctx, BlockID{Number: &i, Chain: chain.Ethereum}); err != nil {
			t.Fatalf("block %d should be durable after batch flush: %v", i, err)
		}
	}
}

func TestUpdateContractsLaterWriteOverwrites(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()
	var a chain.Address
	a[19] = 1
	bal1, bal2 := chain.Hash{}, chain.Hash{}
	bal1[31], bal2[31] = 1, 2

	if err := g.StartTransaction(ctx, blockN(1)); err != nil {
		t.Fatal(err)
	}
	if err := g.InsertContract(ctx, a, chain.Ethereum); err != nil {
		t.Fatal(err)
	}
	if err := g.UpdateContracts(ctx, []ContractDelta{
		{Update: model.AccountUpdate{Address: a, Balance: &bal1}},
		{Update: model.AccountUpdate{Address: a, Balance: &bal2}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := g.CommitTransaction(ctx, 0); err != nil {
		t.Fatal(err)
	}

	cs, err := g.GetContract(ctx, a, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if cs.Balance != bal2 {
		t.Fatalf("expected last write to win, got %x", cs.Balance)
	}
}

func TestUnknownTokensFiltersKnown(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()
	var known, unknown chain.Address
	known[19], unknown[19] = 1, 2

	if err := g.StartTransaction(ctx, blockN(1)); err != nil {
		t.Fatal(err)
	}
	if err := g.AddTokens(ctx, []model.Token{{Chain: chain.Ethereum, Address: known, Symbol: "WETH"}}); err != nil {
		t.Fatal(err)
	}
	if err := g.CommitTransaction(ctx, 0); err != nil {
		t.Fatal(err)
	}

	out, err := g.UnknownTokens(ctx, chain.Ethereum, []chain.Address{known, unknown})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != unknown {
		t.Fatalf("expected only unknown token returned, got %v", out)
	}
}

func ptr[T any](v T) *T { return &v }

func TestRevertUncreatesComponentsAndRestoresContracts(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()
	var a chain.Address
	a[19] = 1
	bal1, bal2 := chain.Hash{}, chain.Hash{}
	bal1[31], bal2[31] = 1, 2

	block1 := blockN(1)
	if err := g.StartTransaction(ctx, block1); err != nil {
		t.Fatal(err)
	}
	if err := g.InsertContract(ctx, a, chain.Ethereum); err != nil {
		t.Fatal(err)
	}
	if err := g.UpdateContracts(ctx, []ContractDelta{{Update: model.AccountUpdate{Address: a, Balance: &bal1}}}); err != nil {
		t.Fatal(err)
	}
	if err := g.SaveState(ctx, model.ExtractionState{Name: "ambient", Chain: chain.Ethereum, Cursor: model.Cursor("cur-0")}); err != nil {
		t.Fatal(err)
	}
	if err := g.CommitTransaction(ctx, 0); err != nil {
		t.Fatal(err)
	}

	block2 := blockN(2)
	if err := g.StartTransaction(ctx, block2); err != nil {
		t.Fatal(err)
	}
	if err := g.UpdateContracts(ctx, []ContractDelta{{Update: model.AccountUpdate{Address: a, Balance: &bal2}}}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddProtocolComponents(ctx, []model.ProtocolComponent{{ID: "pool1", Chain: chain.Ethereum}}); err != nil {
		t.Fatal(err)
	}
	if err := g.SaveState(ctx, model.ExtractionState{Name: "ambient", Chain: chain.Ethereum, Cursor: model.Cursor("cur-1")}); err != nil {
		t.Fatal(err)
	}
	if err := g.CommitTransaction(ctx, 0); err != nil {
		t.Fatal(err)
	}

	delta, err := g.Revert(ctx, chain.Ethereum, block2.Hash, block1.Hash, "ambient", model.Cursor("cur-1"))
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}

	if len(delta.ComponentsRemoved) != 1 || delta.ComponentsRemoved[0].ID != "pool1" {
		t.Fatalf("expected pool1 reported removed, got %+v", delta.ComponentsRemoved)
	}
	if _, err := g.GetProtocolComponents(ctx, chain.Ethereum, ComponentQuery{IDs: []string{"pool1"}}); err != nil {
		t.Fatal(err)
	}
	comps, _ := g.GetProtocolComponents(ctx, chain.Ethereum, ComponentQuery{IDs: []string{"pool1"}})
	if len(comps) != 0 {
		t.Fatalf("expected pool1 uncreated after revert, still present: %+v", comps)
	}

	cs, err := g.GetContract(ctx, a, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if cs.Balance != bal1 {
		t.Fatalf("expected contract balance restored to pre-block-2 value, got %x", cs.Balance)
	}
}

// TestRevertIsScopedToOwningExtractor exercises spec.md §3's "mutated
// only by its owning extractor": reverting uniswap_v2 must not rewind
// sushiswap_v2's cursor or history, even though both write to the same
// chain and MemoryGateway keeps one shared history slice.
func TestRevertIsScopedToOwningExtractor(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()
	var uniAddr, sushiAddr chain.Address
	uniAddr[19], sushiAddr[19] = 1, 2

	block1 := blockN(1)
	if err := g.StartTransaction(ctx, block1); err != nil {
		t.Fatal(err)
	}
	if err := g.AddProtocolComponents(ctx, []model.ProtocolComponent{{ID: "uni-pool", Chain: chain.Ethereum}}); err != nil {
		t.Fatal(err)
	}
	if err := g.SaveState(ctx, model.ExtractionState{Name: "uniswap_v2", Chain: chain.Ethereum, Cursor: model.Cursor("uni-cur-1")}); err != nil {
		t.Fatal(err)
	}
	if err := g.CommitTransaction(ctx, 0); err != nil {
		t.Fatal(err)
	}

	block2 := blockN(2)
	if err := g.StartTransaction(ctx, block2); err != nil {
		t.Fatal(err)
	}
	if err := g.AddProtocolComponents(ctx, []model.ProtocolComponent{{ID: "sushi-pool", Chain: chain.Ethereum}}); err != nil {
		t.Fatal(err)
	}
	if err := g.SaveState(ctx, model.ExtractionState{Name: "sushiswap_v2", Chain: chain.Ethereum, Cursor: model.Cursor("sushi-cur-1")}); err != nil {
		t.Fatal(err)
	}
	if err := g.CommitTransaction(ctx, 0); err != nil {
		t.Fatal(err)
	}

	block3 := blockN(3)
	if err := g.StartTransaction(ctx, block3); err != nil {
		t.Fatal(err)
	}
	if err := g.AddProtocolComponents(ctx, []model.ProtocolComponent{{ID: "uni-pool-2", Chain: chain.Ethereum}}); err != nil {
		t.Fatal(err)
	}
	if err := g.SaveState(ctx, model.ExtractionState{Name: "uniswap_v2", Chain: chain.Ethereum, Cursor: model.Cursor("uni-cur-2")}); err != nil {
		t.Fatal(err)
	}
	if err := g.CommitTransaction(ctx, 0); err != nil {
		t.Fatal(err)
	}

	_, err := g.Revert(ctx, chain.Ethereum, block3.Hash, block1.Hash, "uniswap_v2", model.Cursor("uni-cur-1"))
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}

	uniCursor, err := g.GetCursor(ctx, "uniswap_v2", chain.Ethereum)
	if err != nil || uniCursor.String() != model.Cursor("uni-cur-1").String() {
		t.Fatalf("expected uniswap_v2 cursor rewound to uni-cur-1, got %v %v", uniCursor, err)
	}
	sushiCursor, err := g.GetCursor(ctx, "sushiswap_v2", chain.Ethereum)
	if err != nil || sushiCursor.String() != model.Cursor("sushi-cur-1").String() {
		t.Fatalf("expected sushiswap_v2 cursor untouched by uniswap_v2's revert, got %v %v", sushiCursor, err)
	}

	comps, err := g.GetProtocolComponents(ctx, chain.Ethereum, ComponentQuery{IDs: []string{"sushi-pool"}})
	if err != nil || len(comps) != 1 {
		t.Fatalf("expected sushi-pool to survive uniswap_v2's revert, got %+v %v", comps, err)
	}
}
