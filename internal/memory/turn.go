// Package memory holds conversation history in two tiers: a bounded
// recent window per user and an append-only archive partitioned by date.
package memory

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies who spoke a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is one utterance in a conversation. Turns are immutable once
// created; the ID makes archive writes idempotent.
type Turn struct {
	ID   string    `json:"id"`
	Role Role      `json:"role"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// NewTurn creates a turn with a fresh time-ordered ID.
func NewTurn(role Role, text string, at time.Time) Turn {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Turn{ID: id.String(), Role: role, Text: text, Time: at}
}

// ErrInvalidDate is returned for dates that do not exist.
var ErrInvalidDate = errors.New("invalid date")

// Date is a calendar day, the partition key of the archive.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar day of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// NewDate validates a year/month/day triple. February 30th and
// friends are rejected rather than normalized.
func NewDate(year, month, day int) (Date, error) {
	if month < 1 || month > 12 {
		return Date{}, fmt.Errorf("%w: month %d", ErrInvalidDate, month)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return Date{}, fmt.Errorf("%w %04d-%02d-%02d", ErrInvalidDate, year, month, day)
	}
	return Date{Year: year, Month: time.Month(month), Day: day}, nil
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("%w %q: want YYYY-MM-DD", ErrInvalidDate, s)
	}
	return DateOf(t), nil
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}
