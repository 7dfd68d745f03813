// Package model holds the entities of spec.md §3: blocks, transactions,
// extractor identity/state, protocol catalog and component records, the
// two delta shapes (VM account updates, native protocol state deltas)
// and the two aggregated per-block payloads emitted downstream.
//
// Field names mirror tycho-types/src/dto.rs so the JSON wire shape in
// SPEC_FULL.md §6 matches the original project's client/server
// contract.
package model

import (
	"fmt"
	"time"

	"tycho/pkg/chain"
)

// Address and Hash are re-exported from pkg/chain so callers in this
// package don't need to import both.
type (
	Address = chain.Address
	Hash    = chain.Hash
)

// Block is immutable once observed and uniquely identified by
// (Chain, Hash) or (Chain, Number) at a single fork.
type Block struct {
	Number     uint64      `json:"number"`
	Hash       chain.Hash  `json:"hash"`
	ParentHash chain.Hash  `json:"parent_hash"`
	Chain      chain.Chain `json:"chain"`
	Timestamp  time.Time   `json:"ts"`
}

// Transaction is ordered within a block by Index — a strict total
// order, ties impossible (invariant 2 of spec.md §3).
type Transaction struct {
	Hash      chain.Hash     `json:"hash"`
	BlockHash chain.Hash     `json:"block_hash"`
	From      chain.Address  `json:"from"`
	To        *chain.Address `json:"to,omitempty"`
	Index     uint64         `json:"index"`
}

// ExtractorIdentity uniquely identifies one extractor instance.
type ExtractorIdentity struct {
	Chain chain.Chain `json:"chain"`
	Name  string      `json:"name"`
}

func (id ExtractorIdentity) String() string {
	return fmt.Sprintf("%s:%s", id.Chain, id.Name)
}

// Cursor is an opaque marker issued by the upstream provider, persisted
// alongside an ExtractorIdentity so a restart resumes from it.
type Cursor []byte

func (c Cursor) String() string { return chain.EncodeHex(c) }

// ExtractionState is the one row per extractor; mutated only by its
// owning extractor.
type ExtractionState struct {
	Name       string
	Chain      chain.Chain
	Attributes map[string]any
	Cursor     Cursor
}

// FinancialType classifies a protocol's economic role.
type FinancialType string

const (
	Swap     FinancialType = "swap"
	Lend     FinancialType = "lend"
	Leverage FinancialType = "leverage"
	Psm      FinancialType = "psm"
)

// ImplementationType distinguishes EVM-account-shaped protocols from
// protocols that expose attribute-valued state directly.
type ImplementationType string

const (
	Vm     ImplementationType = "vm"
	Custom ImplementationType = "custom"
)

// ProtocolType is the static catalog entry an ExtractorIdentity
// validates every ProtocolComponent's ProtocolTypeName against.
type ProtocolType struct {
	Name               string
	FinancialType      FinancialType
	ImplementationType ImplementationType
	AttributeSchema    map[string]any
}

// ChangeType marks how a record changed in the block being processed.
type ChangeType string

const (
	ChangeUpdate      ChangeType = "update"
	ChangeDeletion    ChangeType = "deletion"
	ChangeCreation    ChangeType = "creation"
	ChangeUnspecified ChangeType = "unspecified"
)

// ProtocolComponent is a concrete instrument (e.g. a pool). Tokens and
// ContractIDs are immutable after creation (spec.md §3).
type ProtocolComponent struct {
	ID               string            `json:"id"`
	ProtocolSystem   string            `json:"protocol_system"`
	ProtocolTypeName string            `json:"protocol_type_name"`
	Chain            chain.Chain       `json:"chain"`
	Tokens           []chain.Address   `json:"tokens"`
	ContractIDs      []chain.Address   `json:"contract_ids"`
	StaticAttributes map[string][]byte `json:"static_attributes"`
	CreationTx       chain.Hash        `json:"creation_tx"`
	CreatedAt        time.Time         `json:"created_at"`
	Change           ChangeType        `json:"change"`
}

// AccountUpdate is a VM-flavour delta against some prior account state.
// internal/extractor does not check that a Creation carries Code.
type AccountUpdate struct {
	Address chain.Address            `json:"address"`
	Chain   chain.Chain               `json:"chain"`
	Slots   map[chain.Hash]chain.Hash `json:"slots"`
	Balance *chain.Hash               `json:"balance,omitempty"`
	Code    []byte                    `json:"code,omitempty"`
	Change  ChangeType                `json:"change"`
}

// ProtocolStateDelta is a native-flavour delta. UpdatedAttributes and
// DeletedAttributes must be disjoint (invariant in spec.md §3).
type ProtocolStateDelta struct {
	ComponentID        string            `json:"component_id"`
	UpdatedAttributes  map[string][]byte `json:"updated_attributes"`
	DeletedAttributes  map[string]struct{} `json:"-"`
}

// DeletedAttributeNames is a JSON-friendly view of DeletedAttributes.
func (d ProtocolStateDelta) DeletedAttributeNames() []string {
	out := make([]string, 0, len(d.DeletedAttributes))
	for k := range d.DeletedAttributes {
		out = append(out, k)
	}
	return out
}

// Valid reports whether updated and deleted attribute sets are
// disjoint, per spec.md §3.
func (d ProtocolStateDelta) Valid() bool {
	for k := range d.UpdatedAttributes {
		if _, ok := d.DeletedAttributes[k]; ok {
			return false
		}
	}
	return true
}

// ComponentBalance records a token balance snapshot for a component as
// of a particular modifying transaction.
type ComponentBalance struct {
	ComponentID  string      `json:"component_id"`
	Token        chain.Address `json:"token"`
	Balance      []byte      `json:"balance"`
	BalanceFloat float64     `json:"balance_float"`
	ModifyTx     chain.Hash  `json:"modify_tx"`
}

// Token is a resolved ERC20-like token record.
type Token struct {
	Chain    chain.Chain   `json:"chain"`
	Address  chain.Address `json:"address"`
	Symbol   string        `json:"symbol"`
	Decimals uint32        `json:"decimals"`
	Tax      uint64        `json:"tax"`
	Gas      []*uint64     `json:"gas"`
}

// TxUpdate groups one transaction's account_updates/protocol_states,
// new components, and balance changes, per spec.md §3.
type TxUpdate struct {
	Tx                 Transaction
	AccountUpdates     map[chain.Address]AccountUpdate
	ProtocolStates     map[string]ProtocolStateDelta
	NewComponents      []ProtocolComponent
	DeletedComponents  []ProtocolComponent
	ComponentBalances  []ComponentBalance
}

// BlockContractChanges is the VM-flavour per-block payload decoded from
// the upstream stream.
type BlockContractChanges struct {
	Extractor string
	Chain     chain.Chain
	Block     Block
	Revert    bool
	TxUpdates []TxUpdate
}

// BlockEntityChanges is the native-flavour per-block payload decoded
// from the upstream stream.
type BlockEntityChanges struct {
	Extractor string
	Chain     chain.Chain
	Block     Block
	Revert    bool
	TxUpdates []TxUpdate
}

// NormalisedMessage is the tagged-variant sum type downstream consumers
// receive: either a BlockAccountChanges (VM) or a BlockEntityChangesResult
// (native), per Design Note §9 ("polymorphism over VM/native flavours").
type NormalisedMessage interface {
	Source() ExtractorIdentity
	String() string
}

// BlockAccountChanges is the VM-flavour aggregated, per-block,
// per-account consolidation — exactly one entry per address, obtained
// by folding TxUpdates left-to-right (spec.md §4.4).
type BlockAccountChanges struct {
	ExtractorName             string
	Chain                     chain.Chain
	Block                     Block
	Revert                    bool
	AccountUpdates            map[chain.Address]AccountUpdate
	NewProtocolComponents     []ProtocolComponent
	DeletedProtocolComponents []ProtocolComponent
	ComponentBalances         []ComponentBalance
}

func (m BlockAccountChanges) Source() ExtractorIdentity {
	return ExtractorIdentity{Chain: m.Chain, Name: m.ExtractorName}
}

func (m BlockAccountChanges) String() string {
	return fmt.Sprintf("BlockAccountChanges(block=%d, accounts=%d)", m.Block.Number, len(m.AccountUpdates))
}

// BlockEntityChangesResult is the native-flavour aggregated, per-block,
// per-component consolidation. ComponentsRemoved is populated only on a
// Revert message, listing the component creations undone within the
// reverted range (SPEC_FULL.md §7(a)); ComponentsReadded is copied from
// the gateway's revert Delta, which leaves it empty.
type BlockEntityChangesResult struct {
	ExtractorName         string
	Chain                 chain.Chain
	Block                 Block
	Revert                bool
	StateUpdates          map[string]ProtocolStateDelta
	NewProtocolComponents map[string]ProtocolComponent
	ComponentsRemoved     []ProtocolComponent
	ComponentsReadded     []ProtocolComponent
}

func (m BlockEntityChangesResult) Source() ExtractorIdentity {
	return ExtractorIdentity{Chain: m.Chain, Name: m.ExtractorName}
}

func (m BlockEntityChangesResult) String() string {
	return fmt.Sprintf("BlockEntityChangesResult(block=%d, components=%d)", m.Block.Number, len(m.StateUpdates))
}
