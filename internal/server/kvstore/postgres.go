package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/dmitrijs2005/syncstore/internal/common"
	"github.com/dmitrijs2005/syncstore/internal/dbx"
)

// Revisions are numbered from a sequence rather than casid+1 so that a key
// which is deleted and re-created never repeats a token.
const (
	pgSelect = `SELECT value, casid FROM kvstore WHERE key = $1`

	pgUpsert = `
		INSERT INTO kvstore (key, value, casid)
		VALUES ($1, $2, nextval('kvstore_casid_seq'))
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, casid = EXCLUDED.casid`

	pgInsertIfAbsent = `
		INSERT INTO kvstore (key, value, casid)
		VALUES ($1, $2, nextval('kvstore_casid_seq'))
		ON CONFLICT (key) DO NOTHING`

	pgCompareAndSwap = `
		UPDATE kvstore SET value = $1, casid = nextval('kvstore_casid_seq')
		WHERE key = $2 AND casid = $3`

	pgDelete = `DELETE FROM kvstore WHERE key = $1`
)

// Postgres implements Store over the kvstore table (see migrations).
// Per-key serialization is delegated to PostgreSQL row locking.
type Postgres struct {
	db dbx.DBTX
}

// NewPostgres constructs a store bound to the given DBTX.
func NewPostgres(db dbx.DBTX) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Get(ctx context.Context, key string) (*Entry, error) {
	var (
		value []byte
		casid int64
	)
	err := p.db.QueryRowContext(ctx, pgSelect, key).Scan(&value, &casid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore get %q: %w", key, err)
	}
	return &Entry{Value: value, Token: CasToken(strconv.FormatInt(casid, 10))}, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte) error {
	if _, err := p.db.ExecContext(ctx, pgUpsert, key, value); err != nil {
		return fmt.Errorf("kvstore set %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) CAS(ctx context.Context, key string, value []byte, token CasToken) error {
	var (
		res sql.Result
		err error
	)
	if token == NoToken {
		res, err = p.db.ExecContext(ctx, pgInsertIfAbsent, key, value)
	} else {
		casid, perr := strconv.ParseInt(string(token), 10, 64)
		if perr != nil {
			return common.ErrCasMismatch
		}
		res, err = p.db.ExecContext(ctx, pgCompareAndSwap, value, key, casid)
	}
	if err != nil {
		return fmt.Errorf("kvstore cas %q: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrCasMismatch
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, pgDelete, key); err != nil {
		return fmt.Errorf("kvstore delete %q: %w", key, err)
	}
	return nil
}
