// Package migrate applies ordered schema migration files selectively at
// startup, replacing cmd/migrate's original ad hoc sort.Strings/HasSuffix
// loop with the full filename-encoded selection rule from spec §4.H: a
// migration only runs when it targets "all" databases, or when its
// (db, schema, table) triple matches the configured source and the table
// is one the daemon actually ingests or is allowed to leave as a view.
package migrate

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ignite/parquet-sync/internal/synerrors"
)

// nameRE captures num, sub, db, schema, table from a migration file name
// following schema/{num}_{sub}_{db}_{schema}_{table}.sql.
var nameRE = regexp.MustCompile(`^(?P<num>\d+)_(?P<sub>\d+)_(?P<db>[A-Za-z0-9-]+)_(?P<schema>[A-Za-z0-9-]+)_(?P<table>[A-Za-z0-9_]+)\.sql$`)

// File is one parsed migration file.
type File struct {
	Num    int
	Sub    int
	DB     string
	Schema string
	Table  string
	Path   string
	Name   string
}

// allDB is the sentinel database name that makes a migration unconditional.
const allDB = "all"

// Migrator selectively applies migration files matching the configured
// source database/schema and table set.
type Migrator struct {
	db              *sql.DB
	sourceDB        string
	sourceSchema    string
	configuredNames map[string]bool
	postgresSchema  string
}

// New constructs a Migrator. configuredTables and configuredViews are
// merged into the set of table names a non-"all" migration must match to
// be applied; postgresSchema is textually substituted for
// "${POSTGRES_SCHEMA}" in every applied file.
func New(db *sql.DB, sourceDB, sourceSchema, postgresSchema string, configuredTables, configuredViews []string) *Migrator {
	names := make(map[string]bool, len(configuredTables)+len(configuredViews))
	for _, t := range configuredTables {
		names[t] = true
	}
	for _, v := range configuredViews {
		names[v] = true
	}
	return &Migrator{
		db:              db,
		sourceDB:        sourceDB,
		sourceSchema:    sourceSchema,
		configuredNames: names,
		postgresSchema:  postgresSchema,
	}
}

// Discover parses and filters every migration file under dir, returning the
// ones this Migrator should apply, sorted by (num, sub) as integers.
func (m *Migrator) Discover(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("migrate: reading migrations dir %s: %w", dir, err)
	}

	var files []File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, ok := parseName(e.Name())
		if !ok {
			continue
		}
		f.Path = filepath.Join(dir, e.Name())
		if m.applies(f) {
			files = append(files, f)
		}
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Num != files[j].Num {
			return files[i].Num < files[j].Num
		}
		return files[i].Sub < files[j].Sub
	})

	if len(m.configuredNames) > 0 && len(files) == 0 {
		return nil, synerrors.ErrNoMigrations
	}

	return files, nil
}

// applies implements the selection rule: db == "all" is unconditional;
// otherwise (db, schema) must match the configured source and table must be
// one of the configured tables or views.
func (m *Migrator) applies(f File) bool {
	if f.DB == allDB {
		return true
	}
	if f.DB != m.sourceDB || f.Schema != m.sourceSchema {
		return false
	}
	if len(m.configuredNames) == 0 {
		return true
	}
	return m.configuredNames[f.Table]
}

func parseName(name string) (File, bool) {
	m := nameRE.FindStringSubmatch(name)
	if m == nil {
		return File{}, false
	}
	num, err := strconv.Atoi(m[1])
	if err != nil {
		return File{}, false
	}
	sub, err := strconv.Atoi(m[2])
	if err != nil {
		return File{}, false
	}
	return File{
		Num:    num,
		Sub:    sub,
		DB:     m[3],
		Schema: m[4],
		Table:  m[5],
		Name:   name,
	}, true
}

// Apply discovers and executes every matching migration file under dir, in
// order, each under its own autocommit statement with ${POSTGRES_SCHEMA}
// substituted textually.
func (m *Migrator) Apply(dir string) error {
	files, err := m.Discover(dir)
	if err != nil {
		return err
	}

	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return fmt.Errorf("migrate: reading %s: %w", f.Name, err)
		}
		content := strings.ReplaceAll(string(data), "${POSTGRES_SCHEMA}", m.postgresSchema)
		if strings.TrimSpace(content) == "" {
			continue
		}
		if _, err := m.db.Exec(content); err != nil {
			return fmt.Errorf("migrate: applying %s: %w", f.Name, err)
		}
	}

	return nil
}
