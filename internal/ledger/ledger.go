// Package ledger keeps a durable record of payments whose booking creation stopped part way, so support
// can reconcile them by hand.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"lessonbook/internal/database"
	"lessonbook/internal/payment"
)

// Entry is one recorded partial commit.
type Entry struct {
	ID             int64
	InstructorID   string
	LearnerID      string
	LearnerEmail   string
	PaymentID      string
	Amount         int64
	Currency       string
	Committed      []payment.CommittedLesson
	FailedLessonID string
	Failure        string
	NotAttempted   []string
	CreatedAt      time.Time
}

// EntryFrom converts a partial commit error into a ledger entry.
func EntryFrom(pc *payment.PartialCommitError) Entry {
	e := Entry{
		InstructorID:   pc.InstructorID,
		LearnerID:      pc.LearnerID,
		LearnerEmail:   pc.LearnerEmail,
		PaymentID:      pc.PaymentID,
		Amount:         pc.Amount,
		Currency:       pc.Currency,
		Committed:      pc.Committed,
		FailedLessonID: pc.FailedLessonID,
		NotAttempted:   pc.NotAttempted,
	}
	if pc.Cause != nil {
		e.Failure = pc.Cause.Error()
	}
	return e
}

type Ledger struct {
	db     *database.DB
	now    func() time.Time
	logger *zerolog.Logger
}

func New(db *database.DB, logger *zerolog.Logger) *Ledger {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Ledger{db: db, now: time.Now, logger: logger}
}

// RecordPartialCommit implements payment.Recorder.
func (l *Ledger) RecordPartialCommit(ctx context.Context, pc *payment.PartialCommitError) error {
	_, err := l.Record(ctx, EntryFrom(pc))
	return err
}

// Record stores e and returns its id.
func (l *Ledger) Record(ctx context.Context, e Entry) (int64, error) {
	committed, err := json.Marshal(orEmpty(e.Committed))
	if err != nil {
		return 0, err
	}
	notAttempted, err := json.Marshal(orEmpty(e.NotAttempted))
	if err != nil {
		return 0, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO partial_commits (
			instructor_id, learner_id, learner_email, payment_id, amount, currency,
			committed, failed_lesson_id, failure, not_attempted, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.InstructorID, e.LearnerID, e.LearnerEmail, e.PaymentID, e.Amount, e.Currency,
		string(committed), e.FailedLessonID, e.Failure, string(notAttempted), e.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert partial commit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	l.logger.Info().Int64("id", id).Str("payment_id", e.PaymentID).Msg("partial commit recorded")
	return id, nil
}

// List returns entries created at or after since, oldest first.
func (l *Ledger) List(ctx context.Context, since time.Time) ([]Entry, error) {
	return l.query(ctx, "created_at >= ?", since.UTC())
}

// ListBetween returns entries created in [from, to), oldest first.
func (l *Ledger) ListBetween(ctx context.Context, from, to time.Time) ([]Entry, error) {
	return l.query(ctx, "created_at >= ? AND created_at < ?", from.UTC(), to.UTC())
}

func (l *Ledger) query(ctx context.Context, where string, args ...any) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, instructor_id, COALESCE(learner_id, ''), COALESCE(learner_email, ''), payment_id, amount,
			currency, committed, COALESCE(failed_lesson_id, ''), COALESCE(failure, ''), not_attempted, created_at
		FROM partial_commits
		WHERE `+where+`
		ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query partial commits: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                       Entry
			committed, notAttempted string
		)
		if err := rows.Scan(&e.ID, &e.InstructorID, &e.LearnerID, &e.LearnerEmail, &e.PaymentID, &e.Amount,
			&e.Currency, &committed, &e.FailedLessonID, &e.Failure, &notAttempted, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(committed), &e.Committed); err != nil {
			return nil, fmt.Errorf("decode committed lessons of %d: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(notAttempted), &e.NotAttempted); err != nil {
			return nil, fmt.Errorf("decode not-attempted lessons of %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries created before cutoff and returns how many were removed.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM partial_commits WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune partial commits: %w", err)
	}
	return res.RowsAffected()
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
