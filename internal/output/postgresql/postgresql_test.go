package postgresql

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrentchain/torrentchain/internal/models"
)

type execCall struct {
	sql  string
	args []any
}

// fakeTx records statements. Unimplemented pgx.Tx methods panic.
type fakeTx struct {
	pgx.Tx
	db *fakeDB
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.db.failExec {
		return pgconn.CommandTag{}, errors.New("exec failed")
	}
	t.db.execs = append(t.db.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.db.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.db.committed {
		t.db.rolledBack = true
	}
	return nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *uint64:
			*p = r.values[i].(uint64)
		case *string:
			*p = r.values[i].(string)
		}
	}
	return nil
}

type fakeRows struct {
	pgx.Rows
	ids []uint64
	pos int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.ids)
}

func (r *fakeRows) Scan(dest ...any) error {
	*dest[0].(*uint64) = r.ids[r.pos-1]
	return nil
}

func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

type fakeDB struct {
	row        fakeRow
	missing    []uint64
	execs      []execCall
	failExec   bool
	committed  bool
	rolledBack bool
}

func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	return &fakeTx{db: d}, nil
}

func (d *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return d.row
}

func (d *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return &fakeRows{ids: d.missing}, nil
}

func (d *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func TestWriteBlockWithTransactions(t *testing.T) {
	db := &fakeDB{}
	h := NewWithDB(db)

	block := &models.Block{ID: 3, Hash: "abc", Data: []byte(`{"index":3}`)}
	txs := []*models.Transaction{
		{Hash: "t1", BlockID: 3, Data: []byte(`{"tx":"a"}`)},
		{Hash: "t2", BlockID: 3, Data: []byte(`{"tx":"b"}`)},
	}
	require.NoError(t, h.WriteBlockWithTransactions(context.Background(), block, txs))

	require.Len(t, db.execs, 3)
	assert.Contains(t, db.execs[0].sql, "api.blocks_raw")
	assert.Equal(t, []any{uint64(3), "abc", block.Data}, db.execs[0].args)
	assert.Contains(t, db.execs[1].sql, "api.transactions_raw")
	assert.Equal(t, []any{"t1", uint64(3), txs[0].Data}, db.execs[1].args)
	assert.True(t, db.committed)
	assert.False(t, db.rolledBack)
}

func TestWriteBlockRollsBackOnError(t *testing.T) {
	db := &fakeDB{failExec: true}
	h := NewWithDB(db)

	err := h.WriteBlockWithTransactions(context.Background(), &models.Block{ID: 1}, nil)
	require.ErrorContains(t, err, "failed to write block")
	assert.False(t, db.committed)
	assert.True(t, db.rolledBack)
}

func TestGetLatestBlock(t *testing.T) {
	h := NewWithDB(&fakeDB{row: fakeRow{values: []any{uint64(42), "beef"}}})
	block, err := h.GetLatestBlock(context.Background())
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, uint64(42), block.ID)
	assert.Equal(t, "beef", block.Hash)

	h = NewWithDB(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}})
	block, err = h.GetLatestBlock(context.Background())
	require.NoError(t, err)
	assert.Nil(t, block)
}

func TestGetMissingBlockIds(t *testing.T) {
	h := NewWithDB(&fakeDB{missing: []uint64{4, 7}})
	missing, err := h.GetMissingBlockIds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 7}, missing)
}

func TestMigrationsEmbedded(t *testing.T) {
	up, err := migrationsFS.ReadFile("migrations/000001_init.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(up), "api.blocks_raw")
	assert.Contains(t, string(up), "api.transactions_raw")

	_, err = migrationsFS.ReadFile("migrations/000001_init.down.sql")
	require.NoError(t, err)
}
