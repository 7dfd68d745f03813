package model

import (
	"testing"

	"tycho/pkg/chain"
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

func TestAggregateAccountChangesOverwritesLaterWrites(t *testing.T) {
	a := addr(1)
	bal1 := hash(100)
	bal2 := hash(200)
	c := BlockContractChanges{
		Chain: chain.Ethereum,
		Block: Block{Number: 10},
		TxUpdates: []TxUpdate{
			{
				AccountUpdates: map[chain.Address]AccountUpdate{
					a: {Address: a, Slots: map[chain.Hash]chain.Hash{hash(1): hash(1)}, Balance: &bal1, Change: ChangeCreation},
				},
			},
			{
				AccountUpdates: map[chain.Address]AccountUpdate{
					a: {Address: a, Slots: map[chain.Hash]chain.Hash{hash(1): hash(200)}, Balance: &bal2, Change: ChangeUpdate},
				},
			},
		},
	}

	got := AggregateAccountChanges("ambient", c)
	if len(got.AccountUpdates) != 1 {
		t.Fatalf("want 1 account, got %d", len(got.AccountUpdates))
	}
	upd := got.AccountUpdates[a]
	if upd.Slots[hash(1)] != hash(200) {
		t.Fatalf("slot not overwritten by later tx")
	}
	if *upd.Balance != bal2 {
		t.Fatalf("balance not overwritten by later tx")
	}
	if upd.Change != ChangeCreation {
		t.Fatalf("Creation followed by Update should stay Creation, got %v", upd.Change)
	}
}

func TestAggregateAccountChangesIdempotent(t *testing.T) {
	a := addr(2)
	bal := hash(5)
	c := BlockContractChanges{
		Chain: chain.Ethereum,
		Block: Block{Number: 11},
		TxUpdates: []TxUpdate{
			{AccountUpdates: map[chain.Address]AccountUpdate{a: {Address: a, Balance: &bal, Change: ChangeUpdate}}},
		},
	}

	first := AggregateAccountChanges("ambient", c)
	second := AggregateAccountChanges("ambient", c)

	if len(first.AccountUpdates) != len(second.AccountUpdates) {
		t.Fatalf("aggregation not idempotent: %d vs %d", len(first.AccountUpdates), len(second.AccountUpdates))
	}
	if *first.AccountUpdates[a].Balance != *second.AccountUpdates[a].Balance {
		t.Fatalf("aggregation not idempotent on balance")
	}
}

func TestAggregateEntityChangesDeletionAfterUpdate(t *testing.T) {
	c := BlockEntityChanges{
		Chain: chain.Ethereum,
		Block: Block{Number: 12},
		TxUpdates: []TxUpdate{
			{
				ProtocolStates: map[string]ProtocolStateDelta{
					"pool1": {ComponentID: "pool1", UpdatedAttributes: map[string][]byte{"reserve0": {1}}},
				},
			},
			{
				ProtocolStates: map[string]ProtocolStateDelta{
					"pool1": {ComponentID: "pool1", DeletedAttributes: map[string]struct{}{"reserve0": {}}},
				},
			},
		},
	}

	got := AggregateEntityChanges("uniswap_v2", c)
	delta := got.StateUpdates["pool1"]
	if _, ok := delta.UpdatedAttributes["reserve0"]; ok {
		t.Fatalf("expected reserve0 removed from updated after later deletion")
	}
	if _, ok := delta.DeletedAttributes["reserve0"]; !ok {
		t.Fatalf("expected reserve0 present in deleted set")
	}
	if !delta.Valid() {
		t.Fatalf("merged delta should keep updated/deleted disjoint")
	}
}
