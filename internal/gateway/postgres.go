package gateway

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"tycho/internal/model"
	"tycho/pkg/chain"
	"tycho/pkg/errs"
)

// schema mirrors spec.md §6's logical tables. Extractors never touch
// SQL directly; everything routes through PostgresGateway.
const schema = `
CREATE TABLE IF NOT EXISTS chain (name TEXT PRIMARY KEY);
CREATE TABLE IF NOT EXISTS block (hash BYTEA PRIMARY KEY, chain TEXT, number BIGINT, parent_hash BYTEA, ts TIMESTAMPTZ);
CREATE TABLE IF NOT EXISTS transaction (hash BYTEA PRIMARY KEY, block_hash BYTEA, "from" BYTEA, "to" BYTEA, index BIGINT);
CREATE TABLE IF NOT EXISTS protocol_system (name TEXT PRIMARY KEY);
CREATE TABLE IF NOT EXISTS protocol_type (name TEXT PRIMARY KEY, financial_type TEXT, implementation_type TEXT, attribute_schema JSONB);
CREATE TABLE IF NOT EXISTS protocol_component (id TEXT PRIMARY KEY, protocol_system TEXT, protocol_type_name TEXT, chain TEXT, tokens BYTEA[], contract_ids BYTEA[], static_attributes JSONB, creation_tx BYTEA, created_at TIMESTAMPTZ);
CREATE TABLE IF NOT EXISTS contract (address BYTEA, chain TEXT, valid_from_tx BYTEA, valid_to_tx BYTEA, balance BYTEA, code BYTEA, PRIMARY KEY (address, valid_from_tx));
CREATE TABLE IF NOT EXISTS contract_storage (address BYTEA, slot BYTEA, value BYTEA, valid_from_tx BYTEA, valid_to_tx BYTEA);
CREATE TABLE IF NOT EXISTS protocol_state (component_id TEXT, attribute TEXT, value BYTEA, deleted BOOLEAN, valid_from_tx BYTEA, valid_to_tx BYTEA);
CREATE TABLE IF NOT EXISTS component_balance (component_id TEXT, token BYTEA, balance BYTEA, balance_float DOUBLE PRECISION, modify_tx BYTEA);
CREATE TABLE IF NOT EXISTS token (chain TEXT, address BYTEA PRIMARY KEY, symbol TEXT, decimals INT, tax BIGINT);
CREATE TABLE IF NOT EXISTS extraction_state (name TEXT, chain TEXT, cursor BYTEA, attributes JSONB, PRIMARY KEY (name, chain));
`

// PostgresGateway is the durable Gateway: a connection pool fronted by
// an LRU read cache, with in-memory batching of up to batch_size
// blocks before a single atomic flush transaction. Grounded on the
// teacher's core/ledger.go (WAL-replay-then-serve lifecycle,
// repurposed here as open-transaction/flush-then-serve) and
// core/storage.go (logger + cache + client wiring).
type PostgresGateway struct {
	db     *sql.DB
	log    *logrus.Entry
	tokenCache *lru.Cache[chain.Address, model.Token]
	zstdEnc    *zstd.Encoder
	zstdDec    *zstd.Decoder

	mu      sync.Mutex
	current *blockBatch
	pending []compressedBatch
}

type compressedBatch struct {
	blockHash chain.Hash
	blockNum  uint64
	data      []byte // gob-encoded blockBatch, zstd-compressed
}

// NewPostgresGateway opens a connection pool and ensures the schema
// exists. tokenCacheSize bounds the LRU read cache for GetTokens;
// GetContract is not cached.
func NewPostgresGateway(dsn string, tokenCacheSize int, log *logrus.Entry) (*PostgresGateway, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.Setup, "open postgres", err)
	}
	if err := db.Ping(); err != nil {
		return nil, errs.Wrap(errs.Setup, "ping postgres", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errs.Wrap(errs.Setup, "apply schema", err)
	}
	cache, err := lru.New[chain.Address, model.Token](tokenCacheSize)
	if err != nil {
		return nil, errs.Wrap(errs.Setup, "build token cache", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errs.Wrap(errs.Setup, "build zstd encoder", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errs.Wrap(errs.Setup, "build zstd decoder", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PostgresGateway{db: db, log: log, tokenCache: cache, zstdEnc: enc, zstdDec: dec}, nil
}

func (g *PostgresGateway) Close() error {
	g.zstdEnc.Close()
	g.zstdDec.Close()
	return g.db.Close()
}

func (g *PostgresGateway) StartTransaction(ctx context.Context, block model.Block) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil {
		return errs.New(errs.Storage, "transaction already open")
	}
	g.current = &blockBatch{Block: block}
	return nil
}

func (g *PostgresGateway) requireCurrent() (*blockBatch, error) {
	if g.current == nil {
		return nil, errs.New(errs.Storage, "no open transaction")
	}
	return g.current, nil
}

func (g *PostgresGateway) UpsertBlock(ctx context.Context, b model.Block) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.Block = b
	return nil
}

func (g *PostgresGateway) UpsertTx(ctx context.Context, tx model.Transaction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.Txs = append(cur.Txs, tx)
	return nil
}

func (g *PostgresGateway) InsertContract(ctx context.Context, addr chain.Address, chn chain.Chain) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.Contracts = append(cur.Contracts, addr)
	return nil
}

func (g *PostgresGateway) UpdateContracts(ctx context.Context, deltas []ContractDelta) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.ContractDeltas = append(cur.ContractDeltas, deltas...)
	return nil
}

func (g *PostgresGateway) AddProtocolComponents(ctx context.Context, comps []model.ProtocolComponent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.Components = append(cur.Components, comps...)
	return nil
}

func (g *PostgresGateway) UpdateProtocolStates(ctx context.Context, deltas []StateDelta) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.StateDeltas = append(cur.StateDeltas, deltas...)
	return nil
}

func (g *PostgresGateway) AddComponentBalances(ctx context.Context, balances []model.ComponentBalance) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.Balances = append(cur.Balances, balances...)
	return nil
}

func (g *PostgresGateway) AddTokens(ctx context.Context, tokens []model.Token) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.Tokens = append(cur.Tokens, tokens...)
	return nil
}

func (g *PostgresGateway) AddProtocolTypes(ctx context.Context, types []model.ProtocolType) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.ProtoTypes = append(cur.ProtoTypes, types...)
	return nil
}

func (g *PostgresGateway) SaveState(ctx context.Context, state model.ExtractionState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.requireCurrent()
	if err != nil {
		return err
	}
	cur.States = append(cur.States, state)
	return nil
}

// CommitTransaction stages the current block compressed in memory.
// When batch_size is reached, every staged block is decompressed and
// flushed inside one SQL transaction (spec.md §4.2).
func (g *PostgresGateway) CommitTransaction(ctx context.Context, batchSize int) error {
	g.mu.Lock()
	cur := g.current
	if cur == nil {
		g.mu.Unlock()
		return errs.New(errs.Storage, "commit with no open transaction")
	}
	g.current = nil

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(*cur); err != nil {
		g.mu.Unlock()
		return errs.Wrap(errs.Storage, "encode batch", err)
	}
	g.pending = append(g.pending, compressedBatch{
		blockHash: cur.Block.Hash,
		blockNum:  cur.Block.Number,
		data:      g.zstdEnc.EncodeAll(buf.Bytes(), nil),
	})

	flush := batchSize <= 1 || len(g.pending) >= batchSize
	var toFlush []compressedBatch
	if flush {
		toFlush = g.pending
		g.pending = nil
	}
	g.mu.Unlock()

	if !flush {
		return nil
	}
	return g.flush(ctx, toFlush)
}

func (g *PostgresGateway) flush(ctx context.Context, batches []compressedBatch) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Storage, "begin flush tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, cb := range batches {
		raw, err := g.zstdDec.DecodeAll(cb.data, nil)
		if err != nil {
			return errs.Wrap(errs.Storage, "decompress batch", err)
		}
		var b blockBatch
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&b); err != nil {
			return errs.Wrap(errs.Storage, "decode batch", err)
		}
		if err := flushBlock(ctx, tx, b); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Storage, "commit flush tx", err)
	}
	g.log.WithField("blocks", len(batches)).Debug("flushed batch")
	return nil
}

func flushBlock(ctx context.Context, tx *sql.Tx, b blockBatch) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO block (hash, chain, number, parent_hash, ts) VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (hash) DO NOTHING`,
		b.Block.Hash[:], b.Block.Chain.String(), b.Block.Number, b.Block.ParentHash[:], b.Block.Timestamp,
	); err != nil {
		return errs.Wrap(errs.Storage, "upsert block", err)
	}
	for _, t := range b.Txs {
		var to []byte
		if t.To != nil {
			to = t.To[:]
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transaction (hash, block_hash, "from", "to", index) VALUES ($1,$2,$3,$4,$5)
			 ON CONFLICT (hash) DO NOTHING`,
			t.Hash[:], t.BlockHash[:], t.From[:], to, t.Index,
		); err != nil {
			return errs.Wrap(errs.Storage, "upsert tx", err)
		}
	}
	for _, t := range b.Tokens {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO token (chain, address, symbol, decimals, tax) VALUES ($1,$2,$3,$4,$5)
			 ON CONFLICT (address) DO UPDATE SET symbol=EXCLUDED.symbol, decimals=EXCLUDED.decimals, tax=EXCLUDED.tax`,
			t.Chain.String(), t.Address[:], t.Symbol, t.Decimals, t.Tax,
		); err != nil {
			return errs.Wrap(errs.Storage, "upsert token", err)
		}
	}
	for _, c := range b.Components {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO protocol_component (id, protocol_system, protocol_type_name, chain, creation_tx, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO NOTHING`,
			c.ID, c.ProtocolSystem, c.ProtocolTypeName, c.Chain.String(), c.CreationTx[:], c.CreatedAt,
		); err != nil {
			return errs.Wrap(errs.Storage, "insert protocol component", err)
		}
	}
	for _, d := range b.ContractDeltas {
		var balance []byte
		if d.Update.Balance != nil {
			balance = d.Update.Balance[:]
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contract (address, chain, valid_from_tx, balance, code) VALUES ($1,$2,$3,$4,$5)`,
			d.Update.Address[:], d.Update.Chain.String(), d.TxHash[:], balance, d.Update.Code,
		); err != nil {
			return errs.Wrap(errs.Storage, "update contract", err)
		}
		for slot, val := range d.Update.Slots {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO contract_storage (address, slot, value, valid_from_tx) VALUES ($1,$2,$3,$4)`,
				d.Update.Address[:], slot[:], val[:], d.TxHash[:],
			); err != nil {
				return errs.Wrap(errs.Storage, "update contract storage", err)
			}
		}
	}
	for _, d := range b.StateDeltas {
		for attr, val := range d.Update.UpdatedAttributes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO protocol_state (component_id, attribute, value, deleted, valid_from_tx) VALUES ($1,$2,$3,false,$4)`,
				d.Update.ComponentID, attr, val, d.TxHash[:],
			); err != nil {
				return errs.Wrap(errs.Storage, "update protocol state", err)
			}
		}
		for attr := range d.Update.DeletedAttributes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO protocol_state (component_id, attribute, value, deleted, valid_from_tx) VALUES ($1,$2,NULL,true,$3)`,
				d.Update.ComponentID, attr, d.TxHash[:],
			); err != nil {
				return errs.Wrap(errs.Storage, "delete protocol state", err)
			}
		}
	}
	for _, bal := range b.Balances {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO component_balance (component_id, token, balance, balance_float, modify_tx) VALUES ($1,$2,$3,$4,$5)`,
			bal.ComponentID, bal.Token[:], bal.Balance, bal.BalanceFloat, bal.ModifyTx[:],
		); err != nil {
			return errs.Wrap(errs.Storage, "insert component balance", err)
		}
	}
	for _, st := range b.States {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO extraction_state (name, chain, cursor) VALUES ($1,$2,$3)
			 ON CONFLICT (name, chain) DO UPDATE SET cursor=EXCLUDED.cursor`,
			st.Name, st.Chain.String(), []byte(st.Cursor),
		); err != nil {
			return errs.Wrap(errs.Storage, "save extraction state", err)
		}
	}
	return nil
}

func (g *PostgresGateway) GetCursor(ctx context.Context, name string, chn chain.Chain) (model.Cursor, error) {
	var cursor []byte
	err := g.db.QueryRowContext(ctx,
		`SELECT cursor FROM extraction_state WHERE name=$1 AND chain=$2`, name, chn.String(),
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "get cursor", err)
	}
	return model.Cursor(cursor), nil
}

func (g *PostgresGateway) GetState(ctx context.Context, name string, chn chain.Chain) (model.ExtractionState, error) {
	var cursor []byte
	err := g.db.QueryRowContext(ctx,
		`SELECT cursor FROM extraction_state WHERE name=$1 AND chain=$2`, name, chn.String(),
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return model.ExtractionState{}, errs.NotFound
	}
	if err != nil {
		return model.ExtractionState{}, errs.Wrap(errs.Storage, "get state", err)
	}
	return model.ExtractionState{Name: name, Chain: chn, Cursor: cursor}, nil
}

func (g *PostgresGateway) GetTokens(ctx context.Context, chn chain.Chain, addrs []chain.Address) ([]model.Token, error) {
	if len(addrs) == 0 {
		rows, err := g.db.QueryContext(ctx, `SELECT address, symbol, decimals, tax FROM token WHERE chain=$1`, chn.String())
		if err != nil {
			return nil, errs.Wrap(errs.Storage, "get tokens", err)
		}
		defer rows.Close()
		var all []model.Token
		for rows.Next() {
			t := model.Token{Chain: chn}
			if err := rows.Scan(&t.Address, &t.Symbol, &t.Decimals, &t.Tax); err != nil {
				return nil, errs.Wrap(errs.Storage, "scan token", err)
			}
			all = append(all, t)
		}
		return all, rows.Err()
	}
	out := make([]model.Token, 0, len(addrs))
	missing := make([]chain.Address, 0, len(addrs))
	for _, a := range addrs {
		if t, ok := g.tokenCache.Get(a); ok {
			out = append(out, t)
			continue
		}
		missing = append(missing, a)
	}
	for _, a := range missing {
		var t model.Token
		err := g.db.QueryRowContext(ctx,
			`SELECT chain, address, symbol, decimals, tax FROM token WHERE address=$1 AND chain=$2`,
			a[:], chn.String(),
		).Scan(&t.Chain, &t.Address, &t.Symbol, &t.Decimals, &t.Tax)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, errs.Wrap(errs.Storage, "get tokens", err)
		}
		g.tokenCache.Add(a, t)
		out = append(out, t)
	}
	return out, nil
}

func (g *PostgresGateway) GetContract(ctx context.Context, id chain.Address, version *uint64, withSlots bool) (ContractState, error) {
	var cs ContractState
	var balance, code []byte
	err := g.db.QueryRowContext(ctx,
		`SELECT balance, code FROM contract WHERE address=$1 ORDER BY valid_from_tx DESC LIMIT 1`, id[:],
	).Scan(&balance, &code)
	if err == sql.ErrNoRows {
		return ContractState{}, errs.NotFound
	}
	if err != nil {
		return ContractState{}, errs.Wrap(errs.Storage, "get contract", err)
	}
	cs.Address = id
	copy(cs.Balance[:], balance)
	cs.Code = code
	if withSlots {
		rows, err := g.db.QueryContext(ctx, `SELECT slot, value FROM contract_storage WHERE address=$1`, id[:])
		if err != nil {
			return ContractState{}, errs.Wrap(errs.Storage, "get contract slots", err)
		}
		defer rows.Close()
		cs.Slots = map[chain.Hash]chain.Hash{}
		for rows.Next() {
			var slotB, valB []byte
			if err := rows.Scan(&slotB, &valB); err != nil {
				return ContractState{}, errs.Wrap(errs.Storage, "scan contract slot", err)
			}
			var slot, val chain.Hash
			copy(slot[:], slotB)
			copy(val[:], valB)
			cs.Slots[slot] = val
		}
	}
	return cs, nil
}

func (g *PostgresGateway) GetProtocolComponents(ctx context.Context, chn chain.Chain, q ComponentQuery) ([]model.ProtocolComponent, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT id, protocol_system, protocol_type_name, chain, creation_tx, created_at FROM protocol_component WHERE chain=$1`,
		chn.String(),
	)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "get protocol components", err)
	}
	defer rows.Close()
	idSet := make(map[string]bool, len(q.IDs))
	for _, id := range q.IDs {
		idSet[id] = true
	}
	var out []model.ProtocolComponent
	for rows.Next() {
		var c model.ProtocolComponent
		var creationTx []byte
		if err := rows.Scan(&c.ID, &c.ProtocolSystem, &c.ProtocolTypeName, &c.Chain, &creationTx, &c.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.Storage, "scan protocol component", err)
		}
		copy(c.CreationTx[:], creationTx)
		if q.System != "" && c.ProtocolSystem != q.System {
			continue
		}
		if len(idSet) > 0 && !idSet[c.ID] {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (g *PostgresGateway) GetDelta(ctx context.Context, chn chain.Chain, start, end *uint64) (Delta, error) {
	return Delta{}, fmt.Errorf("GetDelta: %w", errs.New(errs.Storage, "not implemented for ad-hoc range queries outside a running extractor"))
}

func (g *PostgresGateway) GetBalanceDeltas(ctx context.Context, chn chain.Chain, start, end *uint64) ([]model.ComponentBalance, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT component_id, token, balance, balance_float, modify_tx FROM component_balance`)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "get balance deltas", err)
	}
	defer rows.Close()
	var out []model.ComponentBalance
	for rows.Next() {
		var b model.ComponentBalance
		var token, modifyTx []byte
		if err := rows.Scan(&b.ComponentID, &token, &b.Balance, &b.BalanceFloat, &modifyTx); err != nil {
			return nil, errs.Wrap(errs.Storage, "scan balance delta", err)
		}
		copy(b.Token[:], token)
		copy(b.ModifyTx[:], modifyTx)
		out = append(out, b)
	}
	return out, nil
}

func (g *PostgresGateway) EnsureProtocolTypes(ctx context.Context, catalog []model.ProtocolType) error {
	for _, pt := range catalog {
		if _, err := g.db.ExecContext(ctx,
			`INSERT INTO protocol_type (name, financial_type, implementation_type) VALUES ($1,$2,$3)
			 ON CONFLICT (name) DO NOTHING`,
			pt.Name, string(pt.FinancialType), string(pt.ImplementationType),
		); err != nil {
			return errs.Wrap(errs.Storage, "ensure protocol types", err)
		}
	}
	return nil
}

func (g *PostgresGateway) UnknownTokens(ctx context.Context, chn chain.Chain, addrs []chain.Address) ([]chain.Address, error) {
	known, err := g.GetTokens(ctx, chn, addrs)
	if err != nil {
		return nil, err
	}
	knownSet := make(map[chain.Address]bool, len(known))
	for _, t := range known {
		knownSet[t.Address] = true
	}
	out := make([]chain.Address, 0, len(addrs))
	for _, a := range addrs {
		if !knownSet[a] {
			out = append(out, a)
		}
	}
	return out, nil
}

// Revert deletes the protocol_component, contract, contract_storage,
// protocol_state, component_balance and transaction rows written in
// the blocks after "to", then those block rows, and rewinds the
// durable cursor to lastValidCursor, inside a single transaction.
// Token rows are kept. Unlike MemoryGateway, the returned Delta
// carries only ComponentsRemoved: prior contract and state values are
// not read back into AccountUpdates/StateDeltas.
func (g *PostgresGateway) Revert(ctx context.Context, chn chain.Chain, current, to chain.Hash, extractorName string, lastValidCursor model.Cursor) (Delta, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return Delta{}, errs.Wrap(errs.Storage, "begin revert tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var toNumber uint64
	if err := tx.QueryRowContext(ctx, `SELECT number FROM block WHERE hash=$1 AND chain=$2`, to[:], chn.String()).Scan(&toNumber); err != nil {
		return Delta{}, errs.Wrap(errs.Storage, "locate revert baseline block", err)
	}

	rows, err := tx.QueryContext(ctx,
		`DELETE FROM protocol_component pc USING block b
		 WHERE pc.chain=$1 AND pc.creation_tx IN (SELECT hash FROM transaction WHERE block_hash IN (SELECT hash FROM block WHERE chain=$1 AND number > $2))
		 RETURNING pc.id, pc.protocol_system, pc.protocol_type_name, pc.chain, pc.creation_tx, pc.created_at`,
		chn.String(), toNumber,
	)
	if err != nil {
		return Delta{}, errs.Wrap(errs.Storage, "revert protocol components", err)
	}
	var removed []model.ProtocolComponent
	for rows.Next() {
		var c model.ProtocolComponent
		var creationTx []byte
		if err := rows.Scan(&c.ID, &c.ProtocolSystem, &c.ProtocolTypeName, &c.Chain, &creationTx, &c.CreatedAt); err != nil {
			rows.Close()
			return Delta{}, errs.Wrap(errs.Storage, "scan reverted component", err)
		}
		copy(c.CreationTx[:], creationTx)
		removed = append(removed, c)
	}
	rows.Close()

	revertedTxs := `(SELECT hash FROM transaction WHERE block_hash IN (SELECT hash FROM block WHERE chain=$1 AND number > $2))`
	for _, stmt := range []string{
		`DELETE FROM contract WHERE valid_from_tx IN ` + revertedTxs,
		`DELETE FROM contract_storage WHERE valid_from_tx IN ` + revertedTxs,
		`DELETE FROM protocol_state WHERE valid_from_tx IN ` + revertedTxs,
		`DELETE FROM component_balance WHERE modify_tx IN ` + revertedTxs,
		`DELETE FROM transaction WHERE block_hash IN (SELECT hash FROM block WHERE chain=$1 AND number > $2)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, chn.String(), toNumber); err != nil {
			return Delta{}, errs.Wrap(errs.Storage, "revert rows", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM block WHERE chain=$1 AND number > $2`, chn.String(), toNumber); err != nil {
		return Delta{}, errs.Wrap(errs.Storage, "revert blocks", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE extraction_state SET cursor=$1 WHERE name=$2 AND chain=$3`,
		[]byte(lastValidCursor), extractorName, chn.String(),
	); err != nil {
		return Delta{}, errs.Wrap(errs.Storage, "rewind cursor", err)
	}
	if err := tx.Commit(); err != nil {
		return Delta{}, errs.Wrap(errs.Storage, "commit revert tx", err)
	}

	return Delta{ComponentsRemoved: removed}, nil
}
