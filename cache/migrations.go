package cache

import (
	"crypto/md5"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Migration is a named set of schema statements.
// A migration is applied at most once per database: it is skipped if the
// ledger already holds its name or its content hash.
type Migration struct {
	Name       string
	Statements []string
}

// Hash returns the hex md5 digest of the migration statements.
func (m Migration) Hash() string {
	return fmt.Sprintf("%x", md5.Sum([]byte(strings.Join(m.Statements, ";\n"))))
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS migrations (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	hash TEXT NOT NULL,
	UNIQUE(id, hash)
)`

var webCacheMigrations = []Migration{
	{
		Name: "create_web_cache",
		Statements: []string{`CREATE TABLE IF NOT EXISTS web_cache (
	id INTEGER PRIMARY KEY,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	body TEXT NOT NULL,
	UNIQUE(path)
)`},
	},
	{
		// a path may be cached once per method, not once overall
		Name: "web_cache_unique_method_path",
		Statements: []string{
			`CREATE TABLE web_cache_next (
	id INTEGER PRIMARY KEY,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	body TEXT NOT NULL,
	UNIQUE(method, path)
)`,
			"INSERT INTO web_cache_next (id, method, path, body) SELECT id, method, path, body FROM web_cache ORDER BY id",
			"DROP TABLE web_cache",
			"ALTER TABLE web_cache_next RENAME TO web_cache",
		},
	},
}

// runMigrations creates the migration ledger and applies every migration
// not yet recorded in it, each in its own transaction.
func runMigrations(db *sql.DB, migrations []Migration) error {
	if _, err := db.Exec(createMigrationsTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	for _, migration := range migrations {
		applied, err := applyMigration(db, migration)
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.Name, err)
		}
		if applied {
			log.Debug().Str("migration", migration.Name).Msg("Applied migration")
		}
	}
	return nil
}

func applyMigration(db *sql.DB, migration Migration) (bool, error) {
	hash := migration.Hash()
	tx, err := db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM migrations WHERE name = ? OR hash = ?", migration.Name, hash).Scan(&count); err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	for _, stmt := range migration.Statements {
		if _, err := tx.Exec(stmt); err != nil {
			return false, err
		}
	}
	if _, err := tx.Exec("INSERT INTO migrations (name, hash) VALUES (?, ?)", migration.Name, hash); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
