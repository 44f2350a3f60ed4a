// Package payment authorizes a checkout payment, confirms it with the processor and commits the bookings.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lessonbook/internal/backend"
	"lessonbook/internal/metrics"
	"lessonbook/internal/model"
	"lessonbook/internal/pricing"
	"lessonbook/internal/timeparse"
)

// Gateway is the backend surface used by the orchestrator. *backend.Client satisfies it.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, token string, req backend.PaymentIntentRequest) (*backend.PaymentIntent, error)
	CreateBooking(ctx context.Context, token, idempotencyKey string, req backend.BookingRequest) (*model.ExistingBooking, error)
}

// Card identifies the payment method collected out of band by the processor UI.
type Card struct {
	PaymentMethodID string
}

// Processor confirms an authorization. Declines are returned as *DeclineError.
type Processor interface {
	Confirm(ctx context.Context, intent backend.PaymentIntent, card Card) error
}

// Recorder persists partial commits for manual reconciliation.
type Recorder interface {
	RecordPartialCommit(ctx context.Context, pc *PartialCommitError) error
}

// Alerter notifies support about a partial commit.
type Alerter interface {
	AlertPartialCommit(ctx context.Context, pc *PartialCommitError) error
}

// Request is one checkout payment.
type Request struct {
	InstructorID string
	Token        string
	Learner      model.LearnerDetails
	Purpose      model.PaymentPurpose
	Currency     string
	Quote        pricing.Quote
	Lessons      []model.LessonRequest
	Card         Card
}

// Receipt is a fully successful payment.
type Receipt struct {
	Attempt  model.PaymentAttempt
	Bookings []model.ExistingBooking
}

type Orchestrator struct {
	gateway   Gateway
	processor Processor
	recorder  Recorder
	alerter   Alerter
	metrics   *metrics.Metrics
	logger    *zerolog.Logger
}

func NewOrchestrator(gateway Gateway, processor Processor, logger *zerolog.Logger) *Orchestrator {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Orchestrator{gateway: gateway, processor: processor, logger: logger}
}

func (o *Orchestrator) SetRecorder(r Recorder) { o.recorder = r }

func (o *Orchestrator) SetAlerter(a Alerter) { o.alerter = a }

func (o *Orchestrator) SetMetrics(m *metrics.Metrics) { o.metrics = m }

// Pay authorizes req.Quote.Total, confirms it with the processor and then creates one booking per
// lesson, strictly in order. Nothing is retried.
func (o *Orchestrator) Pay(ctx context.Context, req Request) (*Receipt, error) {
	attempt := model.PaymentAttempt{
		ID:           uuid.NewString(),
		Amount:       req.Quote.Total,
		Currency:     req.Currency,
		LearnerID:    req.Learner.ID,
		LearnerEmail: req.Learner.Email,
		Purpose:      req.Purpose,
	}
	log := o.logger.With().
		Str("attempt_id", attempt.ID).
		Str("instructor_id", req.InstructorID).
		Str("learner_id", attempt.LearnerID).
		Logger()

	intent, err := o.gateway.CreatePaymentIntent(ctx, req.Token, backend.PaymentIntentRequest{
		Amount:   attempt.Amount,
		Currency: attempt.Currency,
		Metadata: map[string]string{
			"attemptId":    attempt.ID,
			"learnerId":    attempt.LearnerID,
			"learnerEmail": attempt.LearnerEmail,
			"purpose":      string(attempt.Purpose),
			"instructorId": req.InstructorID,
			"hours":        strconv.Itoa(req.Quote.Hours),
		},
	})
	if err == nil && intent.ID == "" {
		err = errors.New("empty payment intent id")
	}
	if err != nil {
		o.metrics.IncPayment("authorization_failed")
		log.Warn().Err(err).Msg("payment authorization rejected")
		return nil, &AuthorizationError{Err: err}
	}
	attempt.ExternalAuthorizationID = intent.ID

	if err := o.processor.Confirm(ctx, *intent, req.Card); err != nil {
		de, ok := IsDeclineError(err)
		if !ok {
			de = &DeclineError{Category: DeclineOther, Err: err}
		}
		o.metrics.IncPayment("declined")
		log.Info().Str("payment_id", intent.ID).Str("category", string(de.Category)).Str("code", de.Code).Msg("payment declined")
		return nil, de
	}

	receipt := &Receipt{Attempt: attempt}
	for i, lesson := range req.Lessons {
		booking, err := o.createBooking(ctx, req, intent.ID, lesson)
		if err != nil {
			pc := &PartialCommitError{
				InstructorID:   req.InstructorID,
				LearnerID:      attempt.LearnerID,
				LearnerEmail:   attempt.LearnerEmail,
				PaymentID:      intent.ID,
				Amount:         attempt.Amount,
				Currency:       attempt.Currency,
				Committed:      committedLessons(req.Lessons[:i], receipt.Bookings),
				FailedLessonID: lesson.ID,
				Cause:          err,
			}
			for _, rest := range req.Lessons[i+1:] {
				pc.NotAttempted = append(pc.NotAttempted, rest.ID)
			}
			o.reportPartialCommit(ctx, log, pc)
			return nil, pc
		}
		receipt.Bookings = append(receipt.Bookings, *booking)
	}

	o.metrics.IncPayment("succeeded")
	o.metrics.AddBookingsCommitted(len(receipt.Bookings))
	log.Info().Str("payment_id", intent.ID).Int("bookings", len(receipt.Bookings)).Msg("payment completed")
	return receipt, nil
}

func (o *Orchestrator) createBooking(ctx context.Context, req Request, paymentID string, lesson model.LessonRequest) (*model.ExistingBooking, error) {
	end, err := timeparse.AddDuration(lesson.StartTime, lesson.Duration)
	if err != nil {
		return nil, fmt.Errorf("lesson %s: %w", lesson.ID, err)
	}
	share := req.Quote.Share(lesson.Duration)

	return o.gateway.CreateBooking(ctx, req.Token, lesson.ID, backend.BookingRequest{
		InstructorID:  req.InstructorID,
		LearnerID:     req.Learner.ID,
		Date:          lesson.Date,
		StartTime:     lesson.StartTime,
		EndTime:       end,
		Duration:      lesson.Duration,
		PickupSuburb:  lesson.PickupSuburb,
		PickupAddress: lesson.PickupAddress,
		PaymentID:     paymentID,
		Pricing: backend.Pricing{
			HourlyRate:    share.HourlyRate,
			Subtotal:      share.Subtotal,
			Discount:      share.Discount,
			ProcessingFee: share.ProcessingFee,
			Total:         share.Total,
		},
	})
}

func committedLessons(lessons []model.LessonRequest, bookings []model.ExistingBooking) []CommittedLesson {
	out := make([]CommittedLesson, len(lessons))
	for i, l := range lessons {
		out[i] = CommittedLesson{LessonID: l.ID, BookingID: bookings[i].ID}
	}
	return out
}

func (o *Orchestrator) reportPartialCommit(ctx context.Context, log zerolog.Logger, pc *PartialCommitError) {
	o.metrics.IncPayment("partial_commit")
	o.metrics.IncPartialCommit()
	o.metrics.AddBookingsCommitted(len(pc.Committed))

	committed := make([]string, len(pc.Committed))
	for i, c := range pc.Committed {
		committed[i] = c.BookingID
	}
	log.Error().
		Err(pc.Cause).
		Str("payment_id", pc.PaymentID).
		Strs("committed_bookings", committed).
		Str("failed_lesson", pc.FailedLessonID).
		Strs("not_attempted", pc.NotAttempted).
		Msg("partial commit")

	// reporting must survive a cancelled checkout context
	reportCtx := context.WithoutCancel(ctx)
	if o.recorder != nil {
		if err := o.recorder.RecordPartialCommit(reportCtx, pc); err != nil {
			log.Error().Err(err).Msg("failed to record partial commit")
		}
	}
	if o.alerter != nil {
		if err := o.alerter.AlertPartialCommit(reportCtx, pc); err != nil {
			log.Error().Err(err).Msg("failed to alert support about partial commit")
		}
	}
}
