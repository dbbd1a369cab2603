package backend

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var sqliteSchema = []string{
	`create table if not exists accounts (username text not null primary key, account_id integer, expires_at integer);`,
	`create table if not exists unverifications (id integer primary key autoincrement, change integer, topic text, voter text, voter_id integer, value integer, event text, created_at integer);`,
	`create index if not exists unverifications_change on unverifications (change);`,
	`create table if not exists triggers (id text not null primary key, change integer, project text, account_id integer, target text, created_at integer);`,
	`create index if not exists triggers_change on triggers (change);`,
}

// SQLiteBackend keeps state in a local database file for installs without redis
type SQLiteBackend struct {
	DB *sql.DB
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	b := &SQLiteBackend{DB: db}
	if err := b.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := b.DB.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "exec %q", stmt)
		}
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.DB.Close()
}

// SaveAccount caches the account id a username resolved to
func (b *SQLiteBackend) SaveAccount(ctx context.Context, username string, accountID int) error {
	expires := time.Now().Add(AccountCacheTTL).Unix()
	_, err := b.DB.ExecContext(ctx,
		"insert into accounts (username, account_id, expires_at) values (?, ?, ?) "+
			"on conflict(username) do update set account_id = excluded.account_id, expires_at = excluded.expires_at",
		username, accountID, expires)
	return err
}

// GetAccount returns a cached account id or ErrNotFound
func (b *SQLiteBackend) GetAccount(ctx context.Context, username string) (int, error) {
	var accountID int
	var expires int64
	err := b.DB.QueryRowContext(ctx, "select account_id, expires_at from accounts where username = ?", username).
		Scan(&accountID, &expires)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if time.Now().Unix() > expires {
		return 0, ErrNotFound
	}
	return accountID, nil
}

// SaveUnverification inserts an audit record and prunes the oldest beyond the history size
func (b *SQLiteBackend) SaveUnverification(ctx context.Context, u *Unverification) error {
	// Use a transaction so the insert and prune are atomic.
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"insert into unverifications (change, topic, voter, voter_id, value, event, created_at) values (?, ?, ?, ?, ?, ?, ?)",
		u.Change, u.Topic, u.Voter, u.VoterID, u.Value, u.Event, u.CreatedAt.UnixNano()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"delete from unverifications where change = ? and id not in (select id from unverifications where change = ? order by id desc limit ?)",
		u.Change, u.Change, UnverificationHistory); err != nil {
		return err
	}
	log.Debug().Int("change", u.Change).Str("voter", u.Voter).Msg("Saved unverification to sqlite")
	return tx.Commit()
}

// ListUnverifications returns the removed votes of a change, oldest first
func (b *SQLiteBackend) ListUnverifications(ctx context.Context, change int) ([]*Unverification, error) {
	rows, err := b.DB.QueryContext(ctx,
		"select change, topic, voter, voter_id, value, event, created_at from unverifications where change = ? order by id",
		change)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Unverification{}
	for rows.Next() {
		u := &Unverification{}
		var created int64
		if err := rows.Scan(&u.Change, &u.Topic, &u.Voter, &u.VoterID, &u.Value, &u.Event, &created); err != nil {
			return nil, err
		}
		u.CreatedAt = time.Unix(0, created)
		out = append(out, u)
	}
	return out, rows.Err()
}

// SaveTrigger records a verify job triggered for a change
func (b *SQLiteBackend) SaveTrigger(ctx context.Context, t *Trigger) error {
	_, err := b.DB.ExecContext(ctx,
		"insert into triggers (id, change, project, account_id, target, created_at) values (?, ?, ?, ?, ?, ?)",
		t.ID, t.Change, t.Project, t.AccountID, t.Target, t.CreatedAt.UnixNano())
	return err
}

// LastTrigger returns the latest trigger of a change or ErrNotFound
func (b *SQLiteBackend) LastTrigger(ctx context.Context, change int) (*Trigger, error) {
	t := &Trigger{}
	var created int64
	err := b.DB.QueryRowContext(ctx,
		"select id, change, project, account_id, target, created_at from triggers where change = ? order by created_at desc limit 1",
		change).Scan(&t.ID, &t.Change, &t.Project, &t.AccountID, &t.Target, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(0, created)
	return t, nil
}
