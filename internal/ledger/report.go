package ledger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// DocumentSender delivers a report file to support staff.
type DocumentSender interface {
	SendDocument(ctx context.Context, filename string, data io.Reader, caption string) error
}

// ReportConfig controls the monthly partial-commit report.
type ReportConfig struct {
	// RetentionDays is how long entries are kept after being reported. Zero keeps them forever.
	RetentionDays int
	// OnStart sends the previous month's report immediately.
	OnStart bool
}

// ReportService exports the previous month's partial commits on the first of each month, sends them to
// support and then prunes entries past the retention window.
type ReportService struct {
	ledger *Ledger
	sender DocumentSender
	config ReportConfig
	now    func() time.Time
	logger *zerolog.Logger
}

func NewReportService(l *Ledger, sender DocumentSender, cfg ReportConfig, logger *zerolog.Logger) *ReportService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &ReportService{ledger: l, sender: sender, config: cfg, now: time.Now, logger: logger}
}

// Start runs until ctx is done.
func (s *ReportService) Start(ctx context.Context) {
	if s.config.OnStart {
		s.runLogged(ctx)
	}

	next := nextFirstOfMonth(s.now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	s.logger.Info().Time("next_run", next).Msg("partial commit report scheduled")

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runLogged(ctx)
			next = nextFirstOfMonth(s.now())
			timer.Reset(time.Until(next))
			s.logger.Info().Time("next_run", next).Msg("partial commit report scheduled")
		}
	}
}

func (s *ReportService) runLogged(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error().Err(err).Msg("partial commit report failed")
	}
}

// RunOnce reports the previous calendar month and prunes. Entries are only pruned after a successful send.
func (s *ReportService) RunOnce(ctx context.Context) error {
	from, to := previousMonth(s.now())
	entries, err := s.ledger.ListBetween(ctx, from, to)
	if err != nil {
		return err
	}

	if len(entries) > 0 && s.sender != nil {
		var buf bytes.Buffer
		if err := ExportXLSX(&buf, entries); err != nil {
			return err
		}
		filename := ReportFilename(from)
		caption := fmt.Sprintf("Partial commits for %s: %d", from.Format("January 2006"), len(entries))
		if err := s.sender.SendDocument(ctx, filename, &buf, caption); err != nil {
			return fmt.Errorf("send report: %w", err)
		}
		s.logger.Info().Str("filename", filename).Int("entries", len(entries)).Msg("partial commit report sent")
	}

	if s.config.RetentionDays <= 0 {
		return nil
	}
	cutoff := s.now().AddDate(0, 0, -s.config.RetentionDays)
	removed, err := s.ledger.Prune(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Int("retention_days", s.config.RetentionDays).Msg("pruned partial commits")
	}
	return nil
}

// ReportFilename names the report for the month starting at month, e.g. "partial_commits_2026_02.xlsx".
func ReportFilename(month time.Time) string {
	return fmt.Sprintf("partial_commits_%s.xlsx", month.Format("2006_01"))
}

func nextFirstOfMonth(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month()+1, 1, 0, 1, 0, 0, now.Location())
}

func previousMonth(now time.Time) (from, to time.Time) {
	to = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return to.AddDate(0, -1, 0), to
}
