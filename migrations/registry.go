package migrations

import (
	"fmt"
	"io/fs"
	"slices"
	"strings"

	persistence "github.com/goliatone/go-persistence-bun"

	appclient "github.com/goliatone/go-appclient"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	rootPath = "data/sql/migrations"
)

// Source is the migration directory of one dialect. Versions lists the
// migration names without their .up.sql suffix, in apply order.
type Source struct {
	Dialect  string
	Path     string
	FS       fs.FS
	Versions []string
}

// Registrar receives migration filesystems. *persistence.Client
// satisfies it.
type Registrar interface {
	RegisterSQLMigrations(migrations ...fs.FS) *persistence.Migrations
}

// NormalizeDialect maps driver and dialect names onto DialectPostgres or
// DialectSQLite.
func NormalizeDialect(name string) (string, error) {
	switch strings.TrimSpace(strings.ToLower(name)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("migrations: unsupported dialect %q", name)
	}
}

// Sources resolves the Postgres and SQLite migration directories under
// root, or under the embedded schema when root is nil. Every up migration
// needs a down migration and both dialects must carry the same versions.
func Sources(root fs.FS) ([]Source, error) {
	if root == nil {
		root = appclient.GetMigrationsFS()
	}
	base, err := fs.Sub(root, rootPath)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", rootPath, err)
	}
	sqliteFS, err := fs.Sub(base, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite migrations: %w", err)
	}

	sources := []Source{
		{Dialect: DialectPostgres, Path: rootPath, FS: base},
		{Dialect: DialectSQLite, Path: rootPath + "/sqlite", FS: sqliteFS},
	}
	for i := range sources {
		found, err := versions(sources[i])
		if err != nil {
			return nil, err
		}
		sources[i].Versions = found
	}
	if !slices.Equal(sources[0].Versions, sources[1].Versions) {
		return nil, fmt.Errorf(
			"migrations: postgres versions %v do not match sqlite versions %v",
			sources[0].Versions, sources[1].Versions,
		)
	}
	return sources, nil
}

// ForDialect returns the embedded Source for dialect.
func ForDialect(dialect string) (Source, error) {
	dialect, err := NormalizeDialect(dialect)
	if err != nil {
		return Source{}, err
	}
	sources, err := Sources(nil)
	if err != nil {
		return Source{}, err
	}
	for _, source := range sources {
		if source.Dialect == dialect {
			return source, nil
		}
	}
	return Source{}, fmt.Errorf("migrations: no source for %s", dialect)
}

// Apply registers the embedded migrations for dialect on registrar. The
// caller runs them with its own Migrate call.
func Apply(registrar Registrar, dialect string) (Source, error) {
	if registrar == nil {
		return Source{}, fmt.Errorf("migrations: registrar is required")
	}
	source, err := ForDialect(dialect)
	if err != nil {
		return Source{}, err
	}
	registrar.RegisterSQLMigrations(source.FS)
	return source, nil
}

func versions(source Source) ([]string, error) {
	ups, err := fs.Glob(source.FS, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: glob %s: %w", source.Path, err)
	}
	if len(ups) == 0 {
		return nil, fmt.Errorf("migrations: %s has no *.up.sql files", source.Path)
	}
	out := make([]string, 0, len(ups))
	for _, up := range ups {
		version := strings.TrimSuffix(up, ".up.sql")
		if _, err := fs.Stat(source.FS, version+".down.sql"); err != nil {
			return nil, fmt.Errorf("migrations: %s/%s has no down migration", source.Path, version)
		}
		out = append(out, version)
	}
	slices.Sort(out)
	return out, nil
}
