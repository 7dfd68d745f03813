package gateway

import (
	"tycho/internal/model"
	"tycho/pkg/chain"
)

// ContractDelta is one transaction's VM-flavour account delta, keyed by
// the transaction that produced it (spec.md §4.2's
// update_contracts([(txHash, ContractDelta)])).
type ContractDelta struct {
	TxHash chain.Hash
	Update model.AccountUpdate
}

// StateDelta is one transaction's native-flavour component delta.
type StateDelta struct {
	TxHash chain.Hash
	Update model.ProtocolStateDelta
}

// BlockID selects a block by hash or by number; exactly one must be set.
type BlockID struct {
	Hash   *chain.Hash
	Number *uint64
	Chain  chain.Chain
}

// ContractState is the versioned read view of a single contract.
type ContractState struct {
	Address chain.Address
	Balance chain.Hash
	Code    []byte
	Slots   map[chain.Hash]chain.Hash // populated only when withSlots is requested
}

// Delta is the tuple get_delta returns: spec.md §4.2. Revert reuses
// the same shape and additionally reports the components uncreated by
// the revert (ComponentsRemoved), per SPEC_FULL.md §7(a). Neither
// gateway fills ComponentsReadded.
type Delta struct {
	AccountUpdates    map[chain.Address]model.AccountUpdate
	StateDeltas       map[string]model.ProtocolStateDelta
	BalanceChanges    []model.ComponentBalance
	ComponentsRemoved []model.ProtocolComponent
	ComponentsReadded []model.ProtocolComponent
}

// Empty reports whether a Delta carries no changes at all.
func (d Delta) Empty() bool {
	return len(d.AccountUpdates) == 0 && len(d.StateDeltas) == 0 && len(d.BalanceChanges) == 0 &&
		len(d.ComponentsRemoved) == 0 && len(d.ComponentsReadded) == 0
}

// ComponentQuery narrows get_protocol_components by System and IDs.
// TVLGt is accepted, but neither gateway filters on it.
type ComponentQuery struct {
	System string
	IDs    []string
	TVLGt  *float64
}
