package gateway

import (
	"context"
	"sort"
	"sync"

	"tycho/internal/model"
	"tycho/pkg/chain"
	"tycho/pkg/errs"
)

// blockBatch stages every write made between StartTransaction and
// CommitTransaction for a single block.
type blockBatch struct {
	Block          model.Block
	Txs            []model.Transaction
	Contracts      []chain.Address
	ContractDeltas []ContractDelta
	Components     []model.ProtocolComponent
	StateDeltas    []StateDelta
	Balances       []model.ComponentBalance
	Tokens         []model.Token
	ProtoTypes     []model.ProtocolType
	States         []model.ExtractionState
}

// MemoryGateway is a complete, non-durable Gateway implementation: the
// reference semantics for batched-commit behaviour, exercised directly
// by internal/gateway's own tests and reused as the extractor's test
// double (spec.md §4.2, §8).
type MemoryGateway struct {
	mu sync.Mutex

	current *blockBatch
	pending []blockBatch

	blocks     map[chain.Hash]model.Block
	txs        map[chain.Hash]model.Transaction
	contracts  map[chain.Address]ContractState
	components map[string]model.ProtocolComponent
	protoTypes map[string]model.ProtocolType
	tokens     map[chain.Address]model.Token
	balances   []model.ComponentBalance
	states     map[string]model.ProtocolStateDelta
	extraction map[string]model.ExtractionState

	// history retains, per flushed block, enough pre-image state to
	// invert it on revert: the prior ContractState for every touched
	// address, the prior ProtocolStateDelta for every touched
	// component, and which new components did not already exist.
	history []historyEntry
}

type historyEntry struct {
	block           model.Block
	batch           blockBatch
	preContracts    map[chain.Address]ContractState
	preStates       map[string]model.ProtocolStateDelta
	createdFresh    map[string]bool // component id -> true if it did not exist before this block
}

// NewMemoryGateway returns an empty MemoryGateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		blocks:     make(map[chain.Hash]model.Block),
		txs:        make(map[chain.Hash]model.Transaction),
		contracts:  make(map[chain.Address]ContractState),
		components: make(map[string]model.ProtocolComponent),
		protoTypes: make(map[string]model.ProtocolType),
		tokens:     make(map[chain.Address]model.Token),
		states:     make(map[string]model.ProtocolStateDelta),
		extraction: make(map[string]model.ExtractionState),
	}
}

func extractionKey(name string, chn chain.Chain) string { return chn.String() + ":" + name }

func (g *MemoryGateway) StartTransaction(ctx context.Context, block model.Block) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil {
		return errs.New(errs.Storage, "transaction already open")
	}
	g.current = &blockBatch{Block: block}
	return nil
}

func (g *MemoryGateway) requireCurrent() (*blockBatch, error) {
	if g.current == nil {
		return nil, errs.New(errs.Storage, "no open transaction")
	}
	return g.current, nil
}

func (g *MemoryGateway) UpsertBlock(ctx context.Context, b model.Block) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.Block = b
	return nil
}

func (g *MemoryGateway) UpsertTx(ctx context.Context, tx model.Transaction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.Txs = append(cur.Txs, tx)
	return nil
}

func (g *MemoryGateway) InsertContract(ctx context.Context, addr chain.Address, chn chain.Chain) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.Contracts = append(cur.Contracts, addr)
	return nil
}

func (g *MemoryGateway) UpdateContracts(ctx context.Context, deltas []ContractDelta) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.ContractDeltas = append(cur.ContractDeltas, deltas...)
	return nil
}

func (g *MemoryGateway) AddProtocolComponents(ctx context.Context, comps []model.ProtocolComponent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.Components = append(cur.Components, comps...)
	return nil
}

func (g *MemoryGateway) UpdateProtocolStates(ctx context.Context, deltas []StateDelta) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.StateDeltas = append(cur.StateDeltas, deltas...)
	return nil
}

func (g *MemoryGateway) AddComponentBalances(ctx context.Context, balances []model.ComponentBalance) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.Balances = append(cur.Balances, balances...)
	return nil
}

func (g *MemoryGateway) AddTokens(ctx context.Context, tokens []model.Token) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.Tokens = append(cur.Tokens, tokens...)
	return nil
}

func (g *MemoryGateway) AddProtocolTypes(ctx context.Context, types []model.ProtocolType) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.ProtoTypes = append(cur.ProtoTypes, types...)
	return nil
}

func (g *MemoryGateway) SaveState(ctx context.Context, state model.ExtractionState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.States = append(cur.States, state)
	return nil
}

// CommitTransaction closes the open transaction. batchSize == 0 (or 1)
// flushes immediately; otherwise the staged block joins a pending
// queue that flushes atomically once it holds batchSize blocks
// (spec.md §4.2's batched-commit semantics).
func (g *MemoryGateway) CommitTransaction(ctx context.Context, batchSize int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return errs.New(errs.Storage, "commit with no open transaction")
	}
	g.pending = append(g.pending, *g.current)
	g.current = nil

	if batchSize <= 1 || len(g.pending) >= batchSize {
		g.flushLocked()
	}
	return nil
}

// flushLocked applies every staged block to the committed store. Must
// be called with mu held.
func (g *MemoryGateway) flushLocked() {
	for _, b := range g.pending {
		entry := historyEntry{
			block:        b.Block,
			batch:        b,
			preContracts: map[chain.Address]ContractState{},
			preStates:    map[string]model.ProtocolStateDelta{},
			createdFresh: map[string]bool{},
		}
		for _, d := range b.ContractDeltas {
			if _, captured := entry.preContracts[d.Update.Address]; !captured {
				entry.preContracts[d.Update.Address] = cloneContractState(g.contracts[d.Update.Address])
			}
		}
		for _, d := range b.StateDeltas {
			if _, captured := entry.preStates[d.Update.ComponentID]; !captured {
				entry.preStates[d.Update.ComponentID] = cloneDelta(g.states[d.Update.ComponentID])
			}
		}
		for _, c := range b.Components {
			_, existed := g.components[c.ID]
			entry.createdFresh[c.ID] = !existed
		}
		g.history = append(g.history, entry)

		g.blocks[b.Block.Hash] = b.Block
		for _, tx := range b.Txs {
			g.txs[tx.Hash] = tx
		}
		for _, addr := range b.Contracts {
			if _, ok := g.contracts[addr]; !ok {
				g.contracts[addr] = ContractState{Address: addr, Slots: map[chain.Hash]chain.Hash{}}
			}
		}
		for _, d := range b.ContractDeltas {
			cs := g.contracts[d.Update.Address]
			if cs.Slots == nil {
				cs.Slots = map[chain.Hash]chain.Hash{}
			}
			for k, v := range d.Update.Slots {
				cs.Slots[k] = v
			}
			if d.Update.Balance != nil {
				cs.Balance = *d.Update.Balance
			}
			if d.Update.Code != nil {
				cs.Code = d.Update.Code
			}
			cs.Address = d.Update.Address
			g.contracts[d.Update.Address] = cs
		}
		for _, c := range b.Components {
			g.components[c.ID] = c
		}
		for _, d := range b.StateDeltas {
			prev := g.states[d.Update.ComponentID]
			g.states[d.Update.ComponentID] = mergeStored(prev, d.Update)
		}
		g.balances = append(g.balances, b.Balances...)
		for _, t := range b.Tokens {
			g.tokens[t.Address] = t
		}
		for _, pt := range b.ProtoTypes {
			g.protoTypes[pt.Name] = pt
		}
		for _, st := range b.States {
			g.extraction[extractionKey(st.Name, st.Chain)] = st
		}
	}
	g.pending = nil
}

func cloneContractState(cs ContractState) ContractState {
	out := ContractState{Address: cs.Address, Balance: cs.Balance, Code: append([]byte(nil), cs.Code...)}
	if cs.Slots != nil {
		out.Slots = make(map[chain.Hash]chain.Hash, len(cs.Slots))
		for k, v := range cs.Slots {
			out.Slots[k] = v
		}
	}
	return out
}

func cloneDelta(d model.ProtocolStateDelta) model.ProtocolStateDelta {
	updated := make(map[string][]byte, len(d.UpdatedAttributes))
	for k, v := range d.UpdatedAttributes {
		updated[k] = v
	}
	deleted := make(map[string]struct{}, len(d.DeletedAttributes))
	for k := range d.DeletedAttributes {
		deleted[k] = struct{}{}
	}
	return model.ProtocolStateDelta{ComponentID: d.ComponentID, UpdatedAttributes: updated, DeletedAttributes: deleted}
}

func mergeStored(prev, next model.ProtocolStateDelta) model.ProtocolStateDelta {
	if prev.UpdatedAttributes == nil {
		prev.UpdatedAttributes = map[string][]byte{}
	}
	if prev.DeletedAttributes == nil {
		prev.DeletedAttributes = map[string]struct{}{}
	}
	prev.ComponentID = next.ComponentID
	for k, v := range next.UpdatedAttributes {
		prev.UpdatedAttributes[k] = v
		delete(prev.DeletedAttributes, k)
	}
	for k := range next.DeletedAttributes {
		delete(prev.UpdatedAttributes, k)
		prev.DeletedAttributes[k] = struct{}{}
	}
	return prev
}

func (g *MemoryGateway) GetCursor(ctx context.Context, name string, chn chain.Chain) (model.Cursor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.extraction[extractionKey(name, chn)]
	if !ok {
		return nil, errs.NotFound
	}
	return st.Cursor, nil
}

func (g *MemoryGateway) GetState(ctx context.Context, name string, chn chain.Chain) (model.ExtractionState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.extraction[extractionKey(name, chn)]
	if !ok {
		return model.ExtractionState{}, errs.NotFound
	}
	return st, nil
}

func (g *MemoryGateway) GetTokens(ctx context.Context, chn chain.Chain, addrs []chain.Address) ([]model.Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(addrs) == 0 {
		out := make([]model.Token, 0, len(g.tokens))
		for _, t := range g.tokens {
			if t.Chain == chn {
				out = append(out, t)
			}
		}
		return out, nil
	}
	out := make([]model.Token, 0, len(addrs))
	for _, a := range addrs {
		if t, ok := g.tokens[a]; ok && t.Chain == chn {
			out = append(out, t)
		}
	}
	return out, nil
}

func (g *MemoryGateway) GetBlock(ctx context.Context, id BlockID) (model.Block, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id.Hash != nil {
		if b, ok := g.blocks[*id.Hash]; ok {
			return b, nil
		}
		return model.Block{}, errs.NotFound
	}
	if id.Number != nil {
		for _, b := range g.blocks {
			if b.Number == *id.Number && b.Chain == id.Chain {
				return b, nil
			}
		}
	}
	return model.Block{}, errs.NotFound
}

func (g *MemoryGateway) GetContract(ctx context.Context, id chain.Address, version *uint64, withSlots bool) (ContractState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs, ok := g.contracts[id]
	if !ok {
		return ContractState{}, errs.NotFound
	}
	if !withSlots {
		cs.Slots = nil
	}
	return cs, nil
}

func (g *MemoryGateway) GetProtocolComponents(ctx context.Context, chn chain.Chain, q ComponentQuery) ([]model.ProtocolComponent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idSet := make(map[string]bool, len(q.IDs))
	for _, id := range q.IDs {
		idSet[id] = true
	}
	out := make([]model.ProtocolComponent, 0)
	for _, c := range g.components {
		if c.Chain != chn {
			continue
		}
		if q.System != "" && c.ProtocolSystem != q.System {
			continue
		}
		if len(idSet) > 0 && !idSet[c.ID] {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *MemoryGateway) GetDelta(ctx context.Context, chn chain.Chain, start, end *uint64) (Delta, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := Delta{
		AccountUpdates: make(map[chain.Address]model.AccountUpdate),
		StateDeltas:    make(map[string]model.ProtocolStateDelta),
	}
	for addr, cs := range g.contracts {
		d.AccountUpdates[addr] = model.AccountUpdate{Address: addr, Chain: chn, Slots: cs.Slots, Balance: &cs.Balance, Code: cs.Code}
	}
	for cid, delta := range g.states {
		d.StateDeltas[cid] = delta
	}
	d.BalanceChanges = append(d.BalanceChanges, g.balances...)
	return d, nil
}

func (g *MemoryGateway) GetBalanceDeltas(ctx context.Context, chn chain.Chain, start, end *uint64) ([]model.ComponentBalance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]model.ComponentBalance, len(g.balances))
	copy(out, g.balances)
	return out, nil
}

func (g *MemoryGateway) EnsureProtocolTypes(ctx context.Context, catalog []model.ProtocolType) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, pt := range catalog {
		if _, ok := g.protoTypes[pt.Name]; !ok {
			g.protoTypes[pt.Name] = pt
		}
	}
	return nil
}

func (g *MemoryGateway) UnknownTokens(ctx context.Context, chn chain.Chain, addrs []chain.Address) ([]chain.Address, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]chain.Address, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := g.tokens[a]; !ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// owns reports whether entry was flushed by extractorName: persist()
// calls SaveState exactly once per transaction with the owning
// extractor's identity, so batch.States names the writer.
func (e historyEntry) owns(extractorName string, chn chain.Chain) bool {
	for _, st := range e.batch.States {
		if st.Name == extractorName && st.Chain == chn {
			return true
		}
	}
	return false
}

// Revert inverts every block extractorName flushed after "to" up to
// and including "current", restoring contracts/components/states to
// their pre-change values and rewinding extractorName's own durable
// cursor on this chain to lastValidCursor. Other extractors sharing
// this chain (and their history/contracts/components) are untouched —
// ExtractionState is mutated only by its owning extractor (spec.md
// §3, §4.4 step 3). Components created only within the undone range
// are uncreated and reported in ComponentsRemoved (SPEC_FULL.md §7(a)).
func (g *MemoryGateway) Revert(ctx context.Context, chn chain.Chain, current, to chain.Hash, extractorName string, lastValidCursor model.Cursor) (Delta, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ownIdx []int
	toIdx := -1
	for i, e := range g.history {
		if !e.owns(extractorName, chn) {
			continue
		}
		ownIdx = append(ownIdx, i)
		if e.block.Hash == to {
			toIdx = len(ownIdx) - 1
		}
	}
	if toIdx == -1 {
		return Delta{}, errs.New(errs.Storage, "revert target block not found in history")
	}

	delta := Delta{
		AccountUpdates: make(map[chain.Address]model.AccountUpdate),
		StateDeltas:    make(map[string]model.ProtocolStateDelta),
	}

	remove := make(map[int]bool, len(ownIdx)-toIdx-1)
	for k := len(ownIdx) - 1; k > toIdx; k-- {
		i := ownIdx[k]
		remove[i] = true
		entry := g.history[i]
		for addr, pre := range entry.preContracts {
			g.contracts[addr] = pre
			delta.AccountUpdates[addr] = model.AccountUpdate{
				Address: addr, Chain: chn, Slots: pre.Slots, Balance: &pre.Balance, Code: pre.Code, Change: model.ChangeUpdate,
			}
		}
		for cid, pre := range entry.preStates {
			g.states[cid] = pre
			delta.StateDeltas[cid] = pre
		}
		for _, c := range entry.batch.Components {
			if entry.createdFresh[c.ID] {
				delete(g.components, c.ID)
				delta.ComponentsRemoved = append(delta.ComponentsRemoved, c)
			}
		}
	}

	if len(remove) > 0 {
		kept := g.history[:0]
		for i, e := range g.history {
			if !remove[i] {
				kept = append(kept, e)
			}
		}
		g.history = kept
	}

	key := extractionKey(extractorName, chn)
	if st, ok := g.extraction[key]; ok {
		st.Cursor = lastValidCursor
		g.extraction[key] = st
	}

	return delta, nil
}
