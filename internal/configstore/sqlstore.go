package configstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

//go:embed migrations/*.sql
var profileMigrations embed.FS

// applyMigrations executes every embedded migration file in lexical order,
// the same embed.FS-plus-sorted-exec shape used elsewhere for schema setup;
// each file guards itself with CREATE TABLE IF NOT EXISTS so Apply is safe to
// call on every daemon startup.
func applyMigrations(ctx context.Context, db *sql.DB, fs embed.FS, dir string) error {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		sqlBytes, err := fs.ReadFile(dir + "/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// postgresProfileBackend stores profile documents in a single table rather
// than one file per profile, selected at daemon startup via LITH_STORE_DRIVER.
type postgresProfileBackend struct {
	db *sql.DB
}

// NewPostgresProfileStore opens dsn with the lib/pq driver, applies the
// embedded profile schema, and returns a ProfileStore backed by it. The
// returned store shares Save/Load/Delete/List semantics with the file-backed
// one; only the persistence medium differs.
func NewPostgresProfileStore(ctx context.Context, store *Store, dsn string) (*ProfileStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.Internal, "open postgres profile store", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, lerrors.Wrap(lerrors.Internal, "ping postgres profile store", err)
	}
	if err := applyMigrations(ctx, db, profileMigrations, "migrations"); err != nil {
		db.Close()
		return nil, lerrors.Wrap(lerrors.Internal, "apply profile migrations", err)
	}
	return &ProfileStore{store: store, backend: &postgresProfileBackend{db: db}}, nil
}

func (b *postgresProfileBackend) save(name string, data []byte) error {
	_, err := b.db.Exec(
		`INSERT INTO lithium_profiles (name, data, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		name, data,
	)
	if err != nil {
		return lerrors.Wrap(lerrors.Internal, "save profile", err)
	}
	return nil
}

func (b *postgresProfileBackend) load(name string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRow(`SELECT data FROM lithium_profiles WHERE name = $1`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, lerrors.New(lerrors.NotFound, "profile not found").With("name", name)
	}
	if err != nil {
		return nil, lerrors.Wrap(lerrors.Internal, "load profile", err)
	}
	return data, nil
}

func (b *postgresProfileBackend) delete(name string) error {
	res, err := b.db.Exec(`DELETE FROM lithium_profiles WHERE name = $1`, name)
	if err != nil {
		return lerrors.Wrap(lerrors.Internal, "delete profile", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return lerrors.Wrap(lerrors.Internal, "delete profile", err)
	}
	if n == 0 {
		return lerrors.New(lerrors.NotFound, "profile not found").With("name", name)
	}
	return nil
}

func (b *postgresProfileBackend) list() ([]string, error) {
	rows, err := b.db.Query(`SELECT name FROM lithium_profiles ORDER BY name`)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.Internal, "list profiles", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, lerrors.Wrap(lerrors.Internal, "list profiles", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
