package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Import is one successful GTFS load registered in the meta database.
type Import struct {
	Database   string
	ImportedAt time.Time
}

// WithDBName points dsn at another database on the same server. A DSN
// without a scheme is read as postgres://.
func WithDBName(dsn, database string) (string, error) {
	if strings.TrimSpace(dsn) == "" {
		return "", errors.New("empty DSN")
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "postgres", "postgresql":
	default:
		return "", fmt.Errorf("unsupported DSN scheme %q", u.Scheme)
	}
	u.Path = "/" + strings.TrimPrefix(database, "/")
	return u.String(), nil
}

// LatestImport finds the newest import whose database name mentions city.
func LatestImport(ctx context.Context, meta *sql.DB, city string) (Import, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return Import{}, errors.New("city is required")
	}
	const q = `
SELECT db_name, imported_at
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`
	var (
		name sql.NullString
		at   sql.NullTime
	)
	err := meta.QueryRowContext(ctx, q, city).Scan(&name, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Import{}, fmt.Errorf("no station import for city %q", city)
	}
	if err != nil {
		return Import{}, fmt.Errorf("lookup import for %q: %w", city, err)
	}
	if !name.Valid || name.String == "" {
		return Import{}, fmt.Errorf("import for city %q has no database", city)
	}
	return Import{Database: name.String, ImportedAt: at.Time}, nil
}
