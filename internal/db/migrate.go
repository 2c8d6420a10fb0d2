package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var embeddedMigrations embed.FS

// RunMigrations applies every .sql file for dialect in name order. Files come
// from dir/<dialect> when that directory exists, otherwise from the binary.
// Each file must be safe to apply more than once.
func RunMigrations(db *sql.DB, dialect, dir string) error {
	fsys, err := migrationSource(dialect, dir)
	if err != nil {
		return err
	}
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	if len(names) == 0 {
		return fmt.Errorf("no migrations for dialect %q", dialect)
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if len(body) == 0 {
			continue
		}
		if _, err := db.Exec(string(body)); err != nil {
			return fmt.Errorf("exec migration %s/%s: %w", dialect, name, err)
		}
	}
	return nil
}

func migrationSource(dialect, dir string) (fs.FS, error) {
	if dir != "" {
		root := filepath.Join(dir, dialect)
		info, err := os.Stat(root)
		switch {
		case err == nil && info.IsDir():
			return os.DirFS(root), nil
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read migrations: %w", err)
		}
	}
	sub, err := fs.Sub(embeddedMigrations, "migrations/"+dialect)
	if err != nil {
		return nil, fmt.Errorf("embedded migrations for %q: %w", dialect, err)
	}
	return sub, nil
}
