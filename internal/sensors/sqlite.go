package sensors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSource reads the IoT export database, whose single table is
//
//	data(id, sensor INTEGER, parameter TEXT, value REAL, timestamp INTEGER)
//
// with timestamps in Unix milliseconds.
type SQLiteSource struct {
	db *sql.DB
}

// OpenSQLiteSource opens the database at path for reading only.
func OpenSQLiteSource(path string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		return nil, fmt.Errorf("open sensor database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sensor database: %w", err)
	}
	return NewSQLiteSource(db), nil
}

// NewSQLiteSource wraps an open database handle.
func NewSQLiteSource(db *sql.DB) *SQLiteSource {
	return &SQLiteSource{db: db}
}

// Ping checks that the database is readable and still has the data
// table.
func (s *SQLiteSource) Ping(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'data'`).Scan(&n); err != nil {
		return fmt.Errorf("ping sensor database: %w", err)
	}
	if n == 0 {
		return errors.New("sensor database has no data table")
	}
	return nil
}

// Close closes the database.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

// Latest implements Source.
func (s *SQLiteSource) Latest(ctx context.Context, sensor int, parameter string) (Reading, error) {
	param, err := Canonical(parameter)
	if err != nil {
		return Reading{}, err
	}

	var value float64
	var ts int64
	err = s.db.QueryRowContext(ctx, `
		SELECT value, timestamp FROM data
		WHERE sensor = ? AND parameter = ? COLLATE NOCASE
		ORDER BY timestamp DESC LIMIT 1`,
		sensor, param,
	).Scan(&value, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		if known, kerr := s.sensorExists(ctx, sensor); kerr == nil && !known {
			return Reading{}, fmt.Errorf("%w %d", ErrUnknownSensor, sensor)
		}
		return Reading{}, fmt.Errorf("%w for %s on sensor %d", ErrNoData, param, sensor)
	}
	if err != nil {
		return Reading{}, fmt.Errorf("query latest %s: %w", param, err)
	}

	return Reading{
		Sensor:    sensor,
		Parameter: param,
		Value:     value,
		Unit:      Unit(param),
		Time:      time.UnixMilli(ts),
	}, nil
}

func (s *SQLiteSource) sensorExists(ctx context.Context, sensor int) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM data WHERE sensor = ? LIMIT 1`, sensor).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// LatestAll implements Source. Rows with unrecognized parameters are
// ignored.
func (s *SQLiteSource) LatestAll(ctx context.Context) ([]Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.sensor, d.parameter, d.value, d.timestamp
		FROM data d
		JOIN (
			SELECT sensor, parameter, MAX(timestamp) AS ts
			FROM data GROUP BY sensor, parameter
		) m ON d.sensor = m.sensor AND d.parameter = m.parameter AND d.timestamp = m.ts
		ORDER BY d.sensor, d.parameter`)
	if err != nil {
		return nil, fmt.Errorf("query latest readings: %w", err)
	}
	defer rows.Close()

	type key struct {
		sensor int
		param  string
	}
	seen := make(map[key]bool)

	var out []Reading
	for rows.Next() {
		var r Reading
		var ts int64
		if err := rows.Scan(&r.Sensor, &r.Parameter, &r.Value, &ts); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		param, err := Canonical(r.Parameter)
		if err != nil {
			continue
		}
		k := key{r.Sensor, param}
		if seen[k] {
			continue
		}
		seen[k] = true

		r.Parameter = param
		r.Unit = Unit(param)
		r.Time = time.UnixMilli(ts)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoData
	}
	return out, nil
}

// Series implements Source.
func (s *SQLiteSource) Series(ctx context.Context, q Query) (Series, error) {
	if err := q.Validate(); err != nil {
		return Series{}, err
	}

	where := `parameter = ? COLLATE NOCASE`
	args := []any{q.Parameter}
	if q.Sensor > 0 {
		where += ` AND sensor = ?`
		args = append(args, q.Sensor)
	}

	var newest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM data WHERE `+where, args...).Scan(&newest); err != nil {
		return Series{}, fmt.Errorf("query newest %s: %w", q.Parameter, err)
	}
	if !newest.Valid {
		if q.Sensor > 0 {
			if known, err := s.sensorExists(ctx, q.Sensor); err == nil && !known {
				return Series{}, fmt.Errorf("%w %d", ErrUnknownSensor, q.Sensor)
			}
		}
		return Series{}, fmt.Errorf("%w for %s", ErrNoData, q.Parameter)
	}

	end := time.UnixMilli(newest.Int64).Add(-q.Offset)
	start := end.Add(-q.Window)
	series := Series{
		Sensor:    q.Sensor,
		Parameter: q.Parameter,
		Unit:      Unit(q.Parameter),
		Start:     start,
		End:       end,
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT value, timestamp FROM data WHERE `+where+` AND timestamp > ? AND timestamp <= ? ORDER BY timestamp`,
		append(args, start.UnixMilli(), end.UnixMilli())...,
	)
	if err != nil {
		return Series{}, fmt.Errorf("query %s series: %w", q.Parameter, err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Point
		var ts int64
		if err := rows.Scan(&p.Value, &ts); err != nil {
			return Series{}, fmt.Errorf("scan point: %w", err)
		}
		p.Time = time.UnixMilli(ts)
		series.Points = append(series.Points, p)
	}
	return series, rows.Err()
}
