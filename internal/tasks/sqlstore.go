package tasks

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
var scriptMigrations embed.FS

// applyMigrations executes every embedded migration file in lexical order;
// each file guards itself with CREATE TABLE IF NOT EXISTS so it is safe to
// call on every daemon startup. Mirrors internal/configstore's copy of the
// same pattern rather than sharing it, the way the teacher keeps one
// migrations.go per subsystem.
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

// postgresScriptBackend stores saved task trees in a single table rather
// than one file per tree, selected at daemon startup via LITH_STORE_DRIVER.
type postgresScriptBackend struct {
	db *sql.DB
}

// NewPostgresLibrary opens dsn with the lib/pq driver, applies the embedded
// task-tree schema, and returns a Library backed by it.
func NewPostgresLibrary(ctx context.Context, dsn string) (*Library, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.Internal, "open postgres task library", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, lerrors.Wrap(lerrors.Internal, "ping postgres task library", err)
	}
	if err := applyMigrations(ctx, db, scriptMigrations, "migrations"); err != nil {
		db.Close()
		return nil, lerrors.Wrap(lerrors.Internal, "apply task tree migrations", err)
	}
	return &Library{backend: &postgresScriptBackend{db: db}}, nil
}

func (b *postgresScriptBackend) save(name string, data []byte) error {
	_, err := b.db.Exec(
		`INSERT INTO lithium_task_trees (name, data, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		name, data,
	)
	if err != nil {
		return lerrors.Wrap(lerrors.Internal, "save task tree", err)
	}
	return nil
}

func (b *postgresScriptBackend) load(name string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRow(`SELECT data FROM lithium_task_trees WHERE name = $1`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, lerrors.New(lerrors.NotFound, "task tree not found").With("name", name)
	}
	if err != nil {
		return nil, lerrors.Wrap(lerrors.Internal, "load task tree", err)
	}
	return data, nil
}

func (b *postgresScriptBackend) delete(name string) error {
	res, err := b.db.Exec(`DELETE FROM lithium_task_trees WHERE name = $1`, name)
	if err != nil {
		return lerrors.Wrap(lerrors.Internal, "delete task tree", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return lerrors.Wrap(lerrors.Internal, "delete task tree", err)
	}
	if n == 0 {
		return lerrors.New(lerrors.NotFound, "task tree not found").With("name", name)
	}
	return nil
}

func (b *postgresScriptBackend) list() ([]string, error) {
	rows, err := b.db.Query(`SELECT name FROM lithium_task_trees ORDER BY name`)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.Internal, "list task trees", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, lerrors.Wrap(lerrors.Internal, "list task trees", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
