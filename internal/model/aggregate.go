package model

// AggregateAccountChanges folds a VM-flavour payload's TxUpdates
// left-to-right into a BlockAccountChanges: later slot/balance writes
// for the same address overwrite earlier ones, and a Creation followed
// by an Update stays a Creation carrying the merged state (spec.md
// §4.4, invariant 3 — associative over in-order tx sequences, and
// idempotent when applied twice to the same input per spec.md §8(2)).
func AggregateAccountChanges(extractor string, c BlockContractChanges) BlockAccountChanges {
	accounts := make(map[string]AccountUpdate)
	order := make([]string, 0)
	var newComponents, deletedComponents []ProtocolComponent
	var balances []ComponentBalance

	for _, tx := range c.TxUpdates {
		for addr, upd := range tx.AccountUpdates {
			key := addr.Hex()
			prev, ok := accounts[key]
			if !ok {
				accounts[key] = upd
				order = append(order, key)
				continue
			}
			accounts[key] = mergeAccountUpdate(prev, upd)
		}
		for _, comp := range tx.NewComponents {
			newComponents = append(newComponents, comp)
		}
		for _, comp := range tx.DeletedComponents {
			deletedComponents = append(deletedComponents, comp)
		}
		balances = append(balances, tx.ComponentBalances...)
	}

	out := make(map[Address]AccountUpdate, len(accounts))
	for _, key := range order {
		upd := accounts[key]
		out[upd.Address] = upd
	}

	return BlockAccountChanges{
		ExtractorName:             extractor,
		Chain:                     c.Chain,
		Block:                     c.Block,
		Revert:                    c.Revert,
		AccountUpdates:            out,
		NewProtocolComponents:     newComponents,
		DeletedProtocolComponents: deletedComponents,
		ComponentBalances:         balances,
	}
}

// mergeAccountUpdate folds a later AccountUpdate onto an earlier one
// for the same address within a block.
func mergeAccountUpdate(prev, next AccountUpdate) AccountUpdate {
	merged := prev
	if merged.Slots == nil {
		merged.Slots = map[Hash]Hash{}
	}
	for k, v := range next.Slots {
		merged.Slots[k] = v
	}
	if next.Balance != nil {
		merged.Balance = next.Balance
	}
	if next.Code != nil {
		merged.Code = next.Code
	}
	// A Creation followed by an Update stays a Creation carrying the
	// merged state; any other transition takes the later change.
	if merged.Change == ChangeCreation && next.Change == ChangeUpdate {
		// keep Creation
	} else {
		merged.Change = next.Change
	}
	return merged
}

// AggregateEntityChanges folds a native-flavour payload's TxUpdates
// left-to-right into a BlockEntityChangesResult: later attribute writes
// overwrite earlier ones for the same key, and a DeletedAttribute
// written after a prior Update removes it from the merged set (spec.md
// §4.4).
func AggregateEntityChanges(extractor string, c BlockEntityChanges) BlockEntityChangesResult {
	states := make(map[string]ProtocolStateDelta)
	newComponents := make(map[string]ProtocolComponent)

	for _, tx := range c.TxUpdates {
		for cid, delta := range tx.ProtocolStates {
			prev, ok := states[cid]
			if !ok {
				states[cid] = cloneDelta(delta)
				continue
			}
			states[cid] = mergeProtocolStateDelta(prev, delta)
		}
		for _, comp := range tx.NewComponents {
			newComponents[comp.ID] = comp
		}
	}

	return BlockEntityChangesResult{
		ExtractorName:         extractor,
		Chain:                 c.Chain,
		Block:                 c.Block,
		Revert:                c.Revert,
		StateUpdates:          states,
		NewProtocolComponents: newComponents,
	}
}

func cloneDelta(d ProtocolStateDelta) ProtocolStateDelta {
	updated := make(map[string][]byte, len(d.UpdatedAttributes))
	for k, v := range d.UpdatedAttributes {
		updated[k] = v
	}
	deleted := make(map[string]struct{}, len(d.DeletedAttributes))
	for k := range d.DeletedAttributes {
		deleted[k] = struct{}{}
	}
	return ProtocolStateDelta{ComponentID: d.ComponentID, UpdatedAttributes: updated, DeletedAttributes: deleted}
}

// mergeProtocolStateDelta folds a later delta onto an earlier one for
// the same component within a block: updates overwrite, and a later
// deletion removes a prior update for the same attribute name.
func mergeProtocolStateDelta(prev, next ProtocolStateDelta) ProtocolStateDelta {
	merged := cloneDelta(prev)
	for k, v := range next.UpdatedAttributes {
		merged.UpdatedAttributes[k] = v
		delete(merged.DeletedAttributes, k)
	}
	for k := range next.DeletedAttributes {
		delete(merged.UpdatedAttributes, k)
		merged.DeletedAttributes[k] = struct{}{}
	}
	return merged
}
