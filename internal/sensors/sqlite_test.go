package sensors

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

var newest = time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)

// newTestDB writes a small IoT export and returns a read-only source.
func newTestDB(t *testing.T) *SQLiteSource {
	t.Helper()
	path := filepath.Join(t.TempDir(), "iot.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(`CREATE TABLE data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sensor INTEGER NOT NULL,
		parameter TEXT NOT NULL,
		value REAL NOT NULL,
		timestamp INTEGER NOT NULL
	)`)
	if err != nil {
		t.Fatal(err)
	}

	insert := func(sensor int, param string, value float64, at time.Time) {
		t.Helper()
		if _, err := db.Exec(`INSERT INTO data (sensor, parameter, value, timestamp) VALUES (?, ?, ?, ?)`,
			sensor, param, value, at.UnixMilli()); err != nil {
			t.Fatal(err)
		}
	}

	// Sensor 3: hourly CO2 over the last day, rising from 400.
	for h := 23; h >= 0; h-- {
		insert(3, "CO2", float64(650-h*10), newest.Add(-time.Duration(h)*time.Hour))
	}
	// A week earlier, a lower baseline.
	for h := 23; h >= 0; h-- {
		insert(3, "CO2", 450, newest.Add(-7*24*time.Hour-time.Duration(h)*time.Hour))
	}
	insert(3, "Temperature", 21.5, newest.Add(-time.Hour))
	insert(3, "Temperature", 22.5, newest)
	insert(5, "humidity", 41, newest.Add(-30*time.Minute))
	db.Close()

	src, err := OpenSQLiteSource(path)
	if err != nil {
		t.Fatalf("OpenSQLiteSource: %v", err)
	}
	t.Cleanup(func() { src.Close() })
	return src
}

func TestSQLiteSource_Latest(t *testing.T) {
	src := newTestDB(t)
	ctx := context.Background()

	r, err := src.Latest(ctx, 3, "co2")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if r.Value != 650 || r.Unit != "ppm" || r.Parameter != CO2 {
		t.Errorf("Latest = %+v, want 650 ppm CO2", r)
	}
	if !r.Time.Equal(newest) {
		t.Errorf("time = %v, want %v", r.Time, newest)
	}

	// Stored lowercase, still found.
	if r, err := src.Latest(ctx, 5, "Humidity"); err != nil || r.Value != 41 {
		t.Errorf("Latest(5, Humidity) = %+v, %v", r, err)
	}

	if _, err := src.Latest(ctx, 99, "CO2"); !errors.Is(err, ErrUnknownSensor) {
		t.Errorf("Latest(99) error = %v, want ErrUnknownSensor", err)
	}
	if _, err := src.Latest(ctx, 5, "TVOC"); !errors.Is(err, ErrNoData) {
		t.Errorf("Latest(5, TVOC) error = %v, want ErrNoData", err)
	}
	if _, err := src.Latest(ctx, 3, "radon"); !errors.Is(err, ErrUnknownParameter) {
		t.Errorf("Latest(radon) error = %v, want ErrUnknownParameter", err)
	}
}

func TestSQLiteSource_LatestAll(t *testing.T) {
	src := newTestDB(t)

	got, err := src.LatestAll(context.Background())
	if err != nil {
		t.Fatalf("LatestAll: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(LatestAll) = %d, want 3: %+v", len(got), got)
	}
	if got[0].Parameter != CO2 || got[0].Value != 650 {
		t.Errorf("first = %+v, want sensor 3 CO2 650", got[0])
	}
	if got[2].Sensor != 5 || got[2].Parameter != Humidity {
		t.Errorf("last = %+v, want sensor 5 Humidity", got[2])
	}
}

func TestSQLiteSource_Series(t *testing.T) {
	src := newTestDB(t)
	ctx := context.Background()

	s, err := src.Series(ctx, Query{Sensor: 3, Parameter: "CO2", Window: 6 * time.Hour})
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	// (end-6h, end] holds the readings at -5h..0h.
	if len(s.Points) != 6 {
		t.Fatalf("points = %d, want 6", len(s.Points))
	}
	if s.Points[0].Value != 600 || s.Points[5].Value != 650 {
		t.Errorf("points run %v..%v, want 600..650", s.Points[0].Value, s.Points[5].Value)
	}
	if !s.End.Equal(newest) {
		t.Errorf("window anchored at %v, want newest reading %v", s.End, newest)
	}

	base, err := src.Series(ctx, Query{Sensor: 3, Parameter: "CO2", Window: 24 * time.Hour, Offset: 7 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("baseline Series: %v", err)
	}
	if len(base.Points) != 24 || base.Points[0].Value != 450 {
		t.Errorf("baseline = %d points starting %v, want 24 at 450", len(base.Points), base.Points[0].Value)
	}
}

func TestSQLiteSource_SeriesErrors(t *testing.T) {
	src := newTestDB(t)
	ctx := context.Background()

	tests := []struct {
		name string
		q    Query
		want error
	}{
		{"zero window", Query{Parameter: CO2}, ErrInvalidRange},
		{"negative offset", Query{Parameter: CO2, Window: time.Hour, Offset: -time.Hour}, ErrInvalidRange},
		{"unknown parameter", Query{Parameter: "radon", Window: time.Hour}, ErrUnknownParameter},
		{"unknown sensor", Query{Sensor: 42, Parameter: CO2, Window: time.Hour}, ErrUnknownSensor},
		{"no data", Query{Parameter: TVOC, Window: time.Hour}, ErrNoData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := src.Series(ctx, tt.q); !errors.Is(err, tt.want) {
				t.Errorf("Series error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSQLiteSource_ReadOnly(t *testing.T) {
	src := newTestDB(t)
	if _, err := src.db.Exec(`DELETE FROM data`); err == nil {
		t.Error("write succeeded on a read-only source")
	}
}

func TestSQLiteSource_Ping(t *testing.T) {
	src := newTestDB(t)
	if err := src.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	path := filepath.Join(t.TempDir(), "empty.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`CREATE TABLE other (x INTEGER)`); err != nil {
		t.Fatal(err)
	}
	db.Close()

	empty, err := OpenSQLiteSource(path)
	if err != nil {
		t.Fatalf("OpenSQLiteSource: %v", err)
	}
	defer empty.Close()
	if err := empty.Ping(context.Background()); err == nil {
		t.Error("Ping succeeded without a data table")
	}
}
