package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// OpenCity connects to the GTFS import for city, resolved through the
// cluster's meta database. An empty city opens dsn as is.
func OpenCity(ctx context.Context, dsn, city string) (*sql.DB, string, error) {
	target := dsn
	name := ""
	if city != "" {
		rootDSN, err := WithDBName(dsn, "postgres")
		if err != nil {
			return nil, "", fmt.Errorf("invalid base DSN: %w", err)
		}
		meta, err := Open(rootDSN)
		if err != nil {
			return nil, "", fmt.Errorf("db open (meta): %w", err)
		}
		defer meta.Close()
		if err := Ping(ctx, meta); err != nil {
			return nil, "", fmt.Errorf("db ping (meta): %w", err)
		}
		imp, err := LatestImport(ctx, meta, city)
		if err != nil {
			return nil, "", err
		}
		name = imp.Database
		if target, err = WithDBName(dsn, name); err != nil {
			return nil, "", fmt.Errorf("compose DSN: %w", err)
		}
	}
	db, err := Open(target)
	if err != nil {
		return nil, "", fmt.Errorf("db open: %w", err)
	}
	if err := Ping(ctx, db); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("db ping: %w", err)
	}
	return db, name, nil
}

// FetchStations lists the stations of a GTFS import. Parent stations
// (location_type 1) are preferred; feeds without them fall back to every
// stop that has no parent.
func FetchStations(ctx context.Context, db *sql.DB) ([]Station, error) {
	cols, err := hasColumns(ctx, db, "public", "stops", "location_type", "parent_station")
	if err != nil {
		return nil, fmt.Errorf("introspect stops columns: %w", err)
	}
	queries := []string{`SELECT stop_id, stop_name FROM stops ORDER BY stop_name`}
	switch {
	case cols["location_type"]:
		queries = append([]string{
			`SELECT stop_id, stop_name FROM stops WHERE location_type::text IN ('1','station') ORDER BY stop_name`,
		}, queries...)
	case cols["parent_station"]:
		queries = append([]string{
			`SELECT stop_id, stop_name FROM stops WHERE COALESCE(parent_station, '') = '' ORDER BY stop_name`,
		}, queries...)
	}
	for _, q := range queries {
		stations, err := queryStations(ctx, db, q)
		if err != nil {
			return nil, err
		}
		if len(stations) > 0 {
			return stations, nil
		}
	}
	return nil, nil
}

func queryStations(ctx context.Context, db *sql.DB, q string) ([]Station, error) {
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query stations: %w", err)
	}
	defer rows.Close()
	var out []Station
	for rows.Next() {
		var s Station
		var name sql.NullString
		if err := rows.Scan(&s.ID, &name); err != nil {
			return nil, err
		}
		if !name.Valid || name.String == "" {
			continue
		}
		s.Name = name.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
