package extractor

import (
	"context"
	"testing"

	"tycho/internal/gateway"
	"tycho/internal/model"
	"tycho/pkg/chain"
	"tycho/pkg/errs"

	"github.com/benbjohnson/clock"
)

func addr(b byte) chain.Address {
	var a chain.Address
	a[19] = b
	return a
}

func hash(b byte) chain.Hash {
	var h chain.Hash
	h[31] = b
	return h
}

type fakeVMDecoder struct {
	changes model.BlockContractChanges
	err     error
}

func (f fakeVMDecoder) Decode(raw []byte, identity model.ExtractorIdentity, protocolSystem string) (model.BlockContractChanges, error) {
	return f.changes, f.err
}

type fixedHead struct{ head uint64 }

func (f fixedHead) Head(ctx context.Context, chn chain.Chain) (uint64, error) { return f.head, nil }

func newTestBase(t *testing.T, gw gateway.Gateway, chainState ChainStateProvider, catalog []model.ProtocolType) *Base {
	return newTestBaseWithTokens(t, gw, chainState, catalog, nil)
}

func newTestBaseWithTokens(t *testing.T, gw gateway.Gateway, chainState ChainStateProvider, catalog []model.ProtocolType, tokens TokenResolver) *Base {
	t.Helper()
	base, err := NewBase(context.Background(), Config{
		Identity:       model.ExtractorIdentity{Chain: chain.Ethereum, Name: "uniswap_v2"},
		Chain:          chain.Ethereum,
		ProtocolSystem: "uniswap_v2",
		Gateway:        gw,
		ChainState:     chainState,
		Tokens:         tokens,
		Catalog:        catalog,
		BatchSize:      0,
		Clock:          clock.NewMock(),
	})
	if err != nil {
		t.Fatalf("NewBase: %v", err)
	}
	return base
}

type fakeTokenResolver struct {
	resolved map[chain.Address]model.Token
	seen     []chain.Address
}

func (f *fakeTokenResolver) GetTokens(ctx context.Context, chn chain.Chain, addrs []chain.Address) ([]model.Token, error) {
	f.seen = append(f.seen, addrs...)
	out := make([]model.Token, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, f.resolved[a])
	}
	return out, nil
}

func TestVMExtractorFirstStartCursorNotFound(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	base := newTestBase(t, gw, fixedHead{head: 100}, nil)
	if base.Cursor() != nil {
		t.Fatalf("expected nil cursor on first start, got %v", base.Cursor())
	}
	if base.LastProcessedBlock() != nil {
		t.Fatalf("expected no last processed block before first Forward")
	}
}

func TestVMExtractorForwardPersistsAndEmits(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	catalog := []model.ProtocolType{{Name: "uniswap_v2_pool"}}
	base := newTestBase(t, gw, fixedHead{head: 1}, catalog)

	block := model.Block{Number: 1, Hash: hash(1), Chain: chain.Ethereum}
	component := model.ProtocolComponent{ID: "pool1", ProtocolSystem: "uniswap_v2", ProtocolTypeName: "uniswap_v2_pool", Chain: chain.Ethereum}
	acct := model.AccountUpdate{Address: addr(1), Chain: chain.Ethereum, Change: model.ChangeCreation, Code: []byte{0x60}}

	decoder := fakeVMDecoder{changes: model.BlockContractChanges{
		Extractor: "uniswap_v2",
		Chain:     chain.Ethereum,
		Block:     block,
		TxUpdates: []model.TxUpdate{{
			Tx:             model.Transaction{Hash: hash(10), BlockHash: block.Hash, Index: 0},
			AccountUpdates: map[chain.Address]model.AccountUpdate{acct.Address: acct},
			NewComponents:  []model.ProtocolComponent{component},
		}},
	}}

	ext := NewVMExtractor(base, decoder)
	msg, err := ext.HandleTickScopedData(context.Background(), nil, model.Cursor("cur-1"))
	if err != nil {
		t.Fatalf("HandleTickScopedData: %v", err)
	}
	out, ok := msg.(model.BlockAccountChanges)
	if !ok {
		t.Fatalf("expected BlockAccountChanges, got %T", msg)
	}
	if len(out.AccountUpdates) != 1 {
		t.Fatalf("expected one account update, got %d", len(out.AccountUpdates))
	}
	if len(out.NewProtocolComponents) != 1 || out.NewProtocolComponents[0].ID != "pool1" {
		t.Fatalf("expected pool1 reported new, got %+v", out.NewProtocolComponents)
	}

	if base.Cursor().String() != model.Cursor("cur-1").String() {
		t.Fatalf("expected cursor advanced")
	}
	if base.LastProcessedBlock() == nil || base.LastProcessedBlock().Number != 1 {
		t.Fatalf("expected last processed block recorded")
	}

	comps, err := gw.GetProtocolComponents(context.Background(), chain.Ethereum, gateway.ComponentQuery{IDs: []string{"pool1"}})
	if err != nil || len(comps) != 1 {
		t.Fatalf("expected pool1 durable: %v %+v", err, comps)
	}
}

func TestVMExtractorEmptyPayloadAdvancesCursorOnly(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	base := newTestBase(t, gw, fixedHead{head: 1}, nil)
	decoder := fakeVMDecoder{err: errs.New(errs.Empty, "no changes")}
	ext := NewVMExtractor(base, decoder)

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
	if base.LastProcessedBlock() != nil {
		t.Fatalf("expected last processed block unchanged on empty payload")
	}
}

func TestVMExtractorRevertWithoutBaselineIsIgnored(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	base := newTestBase(t, gw, fixedHead{head: 1}, nil)
	ext := NewVMExtractor(base, fakeVMDecoder{})

	msg, err := ext.HandleRevert(context.Background(), hash(0).Hex(), 0, model.Cursor("cur-3"))
	if err != nil {
		t.Fatalf("expected no error on revert without baseline, got %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil message, got %v", msg)
	}
	if base.Cursor() != nil {
		t.Fatalf("expected cursor unchanged, got %q", base.Cursor().String())
	}
	if base.LastProcessedBlock() != nil {
		t.Fatalf("expected last processed block unchanged")
	}
}

func TestVMExtractorRevertWithBaselineCallsGatewayRevert(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	catalog := []model.ProtocolType{{Name: "uniswap_v2_pool"}}
	base := newTestBase(t, gw, fixedHead{head: 2}, catalog)

	block1 := model.Block{Number: 1, Hash: hash(1), Chain: chain.Ethereum}
	block2 := model.Block{Number: 2, Hash: hash(2), Chain: chain.Ethereum}
	component := model.ProtocolComponent{ID: "pool1", ProtocolSystem: "uniswap_v2", ProtocolTypeName: "uniswap_v2_pool", Chain: chain.Ethereum}
	bal1 := hash(1)
	bal2 := hash(2)

	ext := NewVMExtractor(base, fakeVMDecoder{changes: model.BlockContractChanges{
		Block: block1,
		TxUpdates: []model.TxUpdate{{
			Tx: model.Transaction{Hash: hash(10), BlockHash: block1.Hash},
			AccountUpdates: map[chain.Address]model.AccountUpdate{
				addr(1): {Address: addr(1), Chain: chain.Ethereum, Balance: &bal1, Change: model.ChangeCreation},
			},
		}},
	}})
	if _, err := ext.HandleTickScopedData(context.Background(), nil, model.Cursor("cur-1")); err != nil {
		t.Fatalf("block1 Forward: %v", err)
	}

	ext2 := NewVMExtractor(base, fakeVMDecoder{changes: model.BlockContractChanges{
		Block: block2,
		TxUpdates: []model.TxUpdate{{
			Tx: model.Transaction{Hash: hash(20), BlockHash: block2.Hash},
			AccountUpdates: map[chain.Address]model.AccountUpdate{
				addr(1): {Address: addr(1), Chain: chain.Ethereum, Balance: &bal2, Change: model.ChangeUpdate},
			},
			NewComponents: []model.ProtocolComponent{component},
		}},
	}})
	if _, err := ext2.HandleTickScopedData(context.Background(), nil, model.Cursor("cur-2")); err != nil {
		t.Fatalf("block2 Forward: %v", err)
	}

	msg, err := ext2.HandleRevert(context.Background(), block1.Hash.Hex(), block1.Number, model.Cursor("cur-1"))
	if err != nil {
		t.Fatalf("HandleRevert: %v", err)
	}
	out, ok := msg.(model.BlockAccountChanges)
	if !ok {
		t.Fatalf("expected BlockAccountChanges, got %T", msg)
	}
	if !out.Revert {
		t.Fatalf("expected Revert flag set")
	}
	if len(out.DeletedProtocolComponents) != 1 || out.DeletedProtocolComponents[0].ID != "pool1" {
		t.Fatalf("expected pool1 reported deleted, got %+v", out.DeletedProtocolComponents)
	}
	if base.Cursor().String() != model.Cursor("cur-1").String() {
		t.Fatalf("expected cursor rewound to lastValidCursor")
	}
	if base.LastProcessedBlock() == nil || base.LastProcessedBlock().Number != block1.Number {
		t.Fatalf("expected last processed block rewound to block1")
	}
}

func TestVMExtractorDiscoversOnlyUnknownTokens(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	known := addr(9)
	unknown := addr(8)
	resolver := &fakeTokenResolver{resolved: map[chain.Address]model.Token{
		unknown: {Chain: chain.Ethereum, Address: unknown, Symbol: "NEW"},
	}}
	catalog := []model.ProtocolType{{Name: "uniswap_v2_pool"}}
	base := newTestBaseWithTokens(t, gw, fixedHead{head: 1}, catalog, resolver)

	if err := gw.StartTransaction(context.Background(), model.Block{Number: 0, Hash: hash(0), Chain: chain.Ethereum}); err != nil {
		t.Fatal(err)
	}
	if err := gw.AddTokens(context.Background(), []model.Token{{Chain: chain.Ethereum, Address: known, Symbol: "OLD"}}); err != nil {
		t.Fatal(err)
	}
	if err := gw.CommitTransaction(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	block := model.Block{Number: 1, Hash: hash(1), Chain: chain.Ethereum}
	component := model.ProtocolComponent{
		ID: "pool1", ProtocolSystem: "uniswap_v2", ProtocolTypeName: "uniswap_v2_pool",
		Chain: chain.Ethereum, Tokens: []chain.Address{known, unknown},
	}
	decoder := fakeVMDecoder{changes: model.BlockContractChanges{
		Block: block,
		TxUpdates: []model.TxUpdate{{
			Tx:            model.Transaction{Hash: hash(10), BlockHash: block.Hash},
			NewComponents: []model.ProtocolComponent{component},
		}},
	}}

	ext := NewVMExtractor(base, decoder)
	if _, err := ext.HandleTickScopedData(context.Background(), nil, model.Cursor("cur-1")); err != nil {
		t.Fatalf("HandleTickScopedData: %v", err)
	}

	if len(resolver.seen) != 1 || resolver.seen[0] != unknown {
		t.Fatalf("expected only the unknown token resolved, got %v", resolver.seen)
	}
}
