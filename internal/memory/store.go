package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity is the recent-tier size used when none is configured.
const DefaultCapacity = 10

// Archive persists evicted turns by user and date. Write must skip
// turns whose ID is already stored for that date, so retries never
// duplicate. Read returns nil when nothing was archived for the date.
type Archive interface {
	Write(ctx context.Context, userID string, date Date, turns []Turn) error
	Read(ctx context.Context, userID string, date Date) ([]Turn, error)
}

// session is one user's recent tier. Its mutex serializes every write
// for that user, including the archive write triggered by eviction.
type session struct {
	mu     sync.Mutex
	recent []Turn
}

// Store owns conversation history. Sessions are created lazily on the
// first append and live for the life of the process; anything older
// than the recent window is in the archive.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session

	archive  Archive
	capacity int
	loc      *time.Location
	logger   *slog.Logger

	onArchive func(userID string, turn Turn)
}

// NewStore creates a store that keeps capacity turns per user and
// archives older ones. Archive dates are computed in loc.
func NewStore(archive Archive, capacity int, loc *time.Location, logger *slog.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*session),
		archive:  archive,
		capacity: capacity,
		loc:      loc,
		logger:   logger,
	}
}

// OnArchive registers fn to be called after each turn is archived. It
// runs under the user's lock and must not call back into the store.
// Set it before the store is shared.
func (s *Store) OnArchive(fn func(userID string, turn Turn)) {
	s.onArchive = fn
}

// Capacity returns the recent-tier bound.
func (s *Store) Capacity() int {
	return s.capacity
}

func (s *Store) session(userID string, create bool) *session {
	s.mu.RLock()
	sess, ok := s.sessions[userID]
	s.mu.RUnlock()
	if ok || !create {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[userID]; !ok {
		sess = &session{}
		s.sessions[userID] = sess
	}
	return sess
}

// Append adds turns to the user's recent tier in order. Turns that
// push the tier past capacity are archived, oldest first, under their
// own dates. The call is all or nothing: the recent tier changes only
// after every archive write has succeeded. On failure nothing from the
// call is kept, and turns already written stay in the archive too; a
// retry rewrites them as no-ops since archive writes skip known IDs.
func (s *Store) Append(ctx context.Context, userID string, turns ...Turn) error {
	if userID == "" {
		return fmt.Errorf("append: empty user id")
	}
	sess := s.session(userID, true)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	combined := make([]Turn, 0, len(sess.recent)+len(turns))
	combined = append(combined, sess.recent...)
	combined = append(combined, turns...)

	overflow := max(0, len(combined)-s.capacity)
	evicted := combined[:overflow]
	for _, turn := range evicted {
		date := DateOf(turn.Time.In(s.loc))
		if err := s.archive.Write(ctx, userID, date, []Turn{turn}); err != nil {
			return fmt.Errorf("archive turn %s for %s: %w", turn.ID, date, err)
		}
	}

	sess.recent = append(make([]Turn, 0, s.capacity), combined[overflow:]...)

	for _, turn := range evicted {
		s.logger.Debug("turn archived",
			"user", userID,
			"date", DateOf(turn.Time.In(s.loc)).String(),
			"turn", turn.ID,
		)
		if s.onArchive != nil {
			s.onArchive(userID, turn)
		}
	}
	return nil
}

// Recent returns a copy of the user's recent tier, oldest first. An
// unknown user gets nil; no session is created.
func (s *Store) Recent(userID string) []Turn {
	sess := s.session(userID, false)
	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	out := make([]Turn, len(sess.recent))
	copy(out, sess.recent)
	return out
}

// Archive appends a turn directly to the user's record for date. It is
// idempotent by turn ID and serialized with the user's other writes.
func (s *Store) Archive(ctx context.Context, userID string, date Date, turn Turn) error {
	sess := s.session(userID, true)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	return s.archive.Write(ctx, userID, date, []Turn{turn})
}

// Recall returns the archived turns for an exact date, in the order
// they were archived. A date with no record yields an empty result,
// not an error.
func (s *Store) Recall(ctx context.Context, userID string, year, month, day int) ([]Turn, error) {
	date, err := NewDate(year, month, day)
	if err != nil {
		return nil, err
	}
	return s.RecallDate(ctx, userID, date)
}

// RecallDate is Recall for an already validated date.
func (s *Store) RecallDate(ctx context.Context, userID string, date Date) ([]Turn, error) {
	turns, err := s.archive.Read(ctx, userID, date)
	if err != nil {
		return nil, fmt.Errorf("recall %s for %s: %w", date, userID, err)
	}
	return turns, nil
}

// Stats returns memory statistics.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	total := 0
	for _, sess := range sessions {
		sess.mu.Lock()
		total += len(sess.recent)
		sess.mu.Unlock()
	}

	return map[string]any{
		"sessions":     len(sessions),
		"recent_turns": total,
		"capacity":     s.capacity,
	}
}
