// Package wizard drives a learner through checkout: confirm the instructor, pick a package, schedule
// lessons, identify, and pay.
package wizard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"lessonbook/internal/backend"
	"lessonbook/internal/events"
	"lessonbook/internal/metrics"
	"lessonbook/internal/model"
	"lessonbook/internal/payment"
	"lessonbook/internal/pricing"
	"lessonbook/internal/session"
	"lessonbook/internal/slots"
	"lessonbook/internal/verify"
)

// Backend is the read and auth surface the wizard needs. *backend.Client satisfies it.
type Backend interface {
	GetInstructor(ctx context.Context, id string) (*model.Instructor, error)
	GetAvailability(ctx context.Context, instructorID, from, to string) ([]model.AvailabilityDay, error)
	GetInstructorBookings(ctx context.Context, instructorID string) ([]model.ExistingBooking, error)
	Register(ctx context.Context, req backend.RegisterRequest) (*backend.AuthResponse, error)
	Login(ctx context.Context, req backend.LoginRequest) (*backend.AuthResponse, error)
	Me(ctx context.Context, token, email string) (*model.Account, error)
}

// Payer runs the payment pipeline. *payment.Orchestrator satisfies it.
type Payer interface {
	Pay(ctx context.Context, req payment.Request) (*payment.Receipt, error)
}

// Deps are the collaborators of a Wizard. Auth, Bus and Metrics are optional.
type Deps struct {
	Backend  Backend
	Payments Payer
	Store    *session.Store
	Auth     *session.AuthStore
	Bus      *events.EventBus
	Metrics  *metrics.Metrics
	Logger   *zerolog.Logger
}

// Options tune a Wizard.
type Options struct {
	Currency             string
	VerificationInterval time.Duration
	// MinAdvance hides same-day starts closer than this to now.
	MinAdvance time.Duration
	Now        func() time.Time
}

// Snapshot is a copy of the wizard state for rendering.
type Snapshot struct {
	Step         Step
	Session      model.CheckoutSession
	Instructor   *model.Instructor
	Quote        *pricing.Quote
	Installments map[int][]pricing.Installment
	FieldErrors  map[string]string
	Banner       string
	Busy         bool
	Verifying    bool
	Receipt      *payment.Receipt
	Partial      *payment.PartialCommitError
}

type slotKey struct {
	date     string
	duration float64
}

// Wizard is safe for concurrent use. Blocking calls run without holding the lock and their results
// are applied only if the wizard has not been closed in the meantime.
type Wizard struct {
	instructorID string
	deps         Deps
	opts         Options
	logger       *zerolog.Logger
	validate     *validator.Validate
	poller       *verify.Poller

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	sess        model.CheckoutSession
	step        Step
	instructor  *model.Instructor
	token       string
	fieldErrors map[string]string
	banner      string
	busy        bool
	mounted     bool
	closed      bool
	gen         uint64
	slotCache   map[slotKey][]slots.BookableSlot
	receipt     *payment.Receipt
	partial     *payment.PartialCommitError
	pending     []pendingEvent
}

type pendingEvent struct {
	typ     string
	payload any
}

func New(instructorID string, deps Deps, opts Options) *Wizard {
	logger := deps.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Currency == "" {
		opts.Currency = "aud"
	}
	l := logger.With().Str("instructor_id", instructorID).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	w := &Wizard{
		instructorID: instructorID,
		deps:         deps,
		opts:         opts,
		logger:       &l,
		validate:     newValidator(),
		ctx:          ctx,
		cancel:       cancel,
		step:         StepConfirmInstructor,
		slotCache:    make(map[slotKey][]slots.BookableSlot),
	}
	w.poller = verify.New(w.checkVerified, opts.VerificationInterval, &l)
	w.poller.SetMetrics(deps.Metrics)
	return w
}

// Mount loads the instructor, restores an authenticated session if one is stored, and merges any saved
// checkout for this instructor. Saving starts only after Mount.
func (w *Wizard) Mount(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.mounted {
		w.mu.Unlock()
		return nil
	}
	if w.busy {
		w.mu.Unlock()
		return ErrBusy
	}
	w.busy = true
	gen := w.gen
	w.mu.Unlock()

	instructor, err := w.deps.Backend.GetInstructor(ctx, w.instructorID)
	if err != nil {
		w.mu.Lock()
		w.busy = false
		if w.gen == gen {
			w.banner = bannerFor(err)
		}
		w.mu.Unlock()
		return err
	}

	identity, token := w.restoreAuth(ctx)

	draft, err := w.deps.Store.Load(ctx, w.instructorID)
	if err != nil {
		w.logger.Warn().Err(err).Msg("saved checkout unavailable; progress will not be saved")
	}

	w.mu.Lock()
	defer w.unlockAndFlush()
	w.busy = false
	if w.closed || w.gen != gen {
		return ErrClosed
	}

	w.instructor = instructor
	w.token = token
	w.sess = model.CheckoutSession{
		InstructorID: w.instructorID,
		CurrentStep:  int(StepConfirmInstructor),
		AuthState:    model.AuthGuest,
		AuthMode:     model.AuthModeRegister,
	}
	if draft != nil {
		w.sess = draft.Clone()
	}
	if token == "" {
		// A draft's account id is only trusted alongside a live token.
		w.sess.Learner.ID = ""
	}
	w.sess.Learner = identity.MergeDraft(w.sess.Learner)
	w.sess.Learner.Password = ""
	w.sess.Learner.ConfirmPassword = ""

	switch {
	case w.sess.Learner.ID != "":
		w.sess.AuthState = model.AuthLoggedIn
		w.sess.PendingEmail = ""
	case w.sess.AuthState == model.AuthAwaitingVerification && w.sess.PendingEmail != "":
	default:
		w.sess.AuthState = model.AuthGuest
		w.sess.PendingEmail = ""
	}
	if w.sess.AuthMode == "" {
		w.sess.AuthMode = model.AuthModeRegister
	}

	w.step = normalizeStep(Step(w.sess.CurrentStep), w.sess.AuthState, w.token)
	w.sess.CurrentStep = int(w.step)
	w.mounted = true

	if w.sess.AuthState == model.AuthAwaitingVerification {
		w.poller.Start(w.ctx, w.onVerified)
	}
	w.logger.Info().
		Str("step", w.step.String()).
		Str("auth_state", string(w.sess.AuthState)).
		Bool("restored", draft != nil).
		Msg("checkout mounted")
	w.persist()
	return nil
}

// restoreAuth resolves the identity behind a stored auth record. A rejected token is cleared; when the
// backend cannot be reached the stored record is trusted.
func (w *Wizard) restoreAuth(ctx context.Context) (model.LearnerDetails, string) {
	if w.deps.Auth == nil {
		return model.LearnerDetails{}, ""
	}
	rec, err := w.deps.Auth.Load(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to read auth record")
		return model.LearnerDetails{}, ""
	}
	if rec == nil {
		return model.LearnerDetails{}, ""
	}

	acct, err := w.deps.Backend.Me(ctx, rec.Token, "")
	if err != nil {
		if he, ok := backend.IsHTTPError(err); ok && (he.Status == 401 || he.Status == 403) {
			w.logger.Info().Str("account_id", rec.AccountID).Msg("stored token rejected")
			if err := w.deps.Auth.Clear(ctx); err != nil {
				w.logger.Warn().Err(err).Msg("failed to clear auth record")
			}
			return model.LearnerDetails{}, ""
		}
		w.logger.Warn().Err(err).Msg("auth check failed; using stored identity")
		return model.LearnerDetails{ID: rec.AccountID, Email: rec.Email}, rec.Token
	}
	return model.LearnerDetails{ID: acct.ID, Email: acct.Email}, rec.Token
}

// normalizeStep keeps a restored step consistent with the auth state.
func normalizeStep(s Step, auth model.AuthState, token string) Step {
	switch {
	case s < StepConfirmInstructor || s > StepPay:
		return StepConfirmInstructor
	case s == StepIdentify && skipIdentify(auth, token):
		return StepPay
	case s == StepPay && !skipIdentify(auth, token):
		return StepIdentify
	}
	return s
}

// Snapshot returns a copy of the current state.
func (w *Wizard) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := Snapshot{
		Step:       w.step,
		Session:    w.sess.Clone(),
		Instructor: w.instructor,
		Banner:     w.banner,
		Busy:       w.busy,
		Verifying:  w.sess.AuthState == model.AuthAwaitingVerification && w.poller.Running(),
		Receipt:    w.receipt,
		Partial:    w.partial,
	}
	snap.Session.Learner.Password = ""
	snap.Session.Learner.ConfirmPassword = ""
	if len(w.fieldErrors) > 0 {
		snap.FieldErrors = make(map[string]string, len(w.fieldErrors))
		for k, v := range w.fieldErrors {
			snap.FieldErrors[k] = v
		}
	}
	if q, ok := w.quote(); ok {
		snap.Quote = &q
		snap.Installments = q.Previews()
	}
	return snap
}

// Close stops verification polling and discards results of calls still in flight.
func (w *Wizard) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.gen++
	w.poller.Stop()
	w.cancel()
	w.logger.Debug().Msg("checkout closed")
}

// quote prices the selected package. Caller holds mu.
func (w *Wizard) quote() (pricing.Quote, bool) {
	if w.instructor == nil || w.sess.Package.Hours() < 1 {
		return pricing.Quote{}, false
	}
	q, err := pricing.Compute(pricing.CentsFromDollars(w.instructor.HourlyRate), w.sess.Package.Hours())
	if err != nil {
		return pricing.Quote{}, false
	}
	return q, true
}

// moveTo changes step through the transition table. Caller holds mu.
func (w *Wizard) moveTo(to Step) {
	from := w.step
	if !CanTransition(from, to) {
		w.logger.Error().Str("from", from.String()).Str("to", to.String()).Msg("invalid step transition")
		return
	}
	w.step = to
	if to != StepComplete {
		w.sess.CurrentStep = int(to)
	}
	w.fieldErrors = nil
	w.banner = ""
	w.deps.Metrics.IncStepTransition(from.String(), to.String())
	w.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("step changed")
	w.emit(events.TypeStepChanged, events.StepChanged{
		InstructorID: w.instructorID,
		From:         from.String(),
		To:           to.String(),
	})
}

// persist saves the session. Caller holds mu so saves keep mutation order.
func (w *Wizard) persist() {
	if !w.mounted || w.step == StepComplete {
		return
	}
	sess := w.sess.Clone()
	sess.Learner.Password = ""
	sess.Learner.ConfirmPassword = ""
	if err := w.deps.Store.Save(w.ctx, sess); err != nil {
		if errors.Is(err, session.ErrNotLoaded) {
			w.logger.Debug().Msg("checkout not saved: initial load did not complete")
			return
		}
		w.logger.Warn().Err(err).Msg("failed to save checkout")
	}
}

// emit queues an event for publishing once mu is released.
func (w *Wizard) emit(typ string, payload any) {
	w.pending = append(w.pending, pendingEvent{typ: typ, payload: payload})
}

func (w *Wizard) unlockAndFlush() {
	evs := w.pending
	w.pending = nil
	w.mu.Unlock()

	for _, ev := range evs {
		if err := w.deps.Bus.PublishJSON(ev.typ, ev.payload); err != nil {
			w.logger.Warn().Err(err).Str("event", ev.typ).Msg("failed to publish event")
		}
	}
}

// beginMutation checks a synchronous edit may proceed. Caller holds mu.
func (w *Wizard) beginMutation() error {
	switch {
	case w.closed:
		return ErrClosed
	case !w.mounted:
		return ErrNotMounted
	case w.step == StepComplete:
		return ErrWrongStep
	case w.busy:
		return ErrBusy
	}
	return nil
}

// bannerFor turns a backend failure into the message shown above the current step.
func bannerFor(err error) string {
	if he, ok := backend.IsHTTPError(err); ok {
		if he.Message != "" {
			return he.Message
		}
		return "Something went wrong. Please try again."
	}
	if backend.IsNetworkError(err) {
		return "We couldn't reach the server. Check your connection and try again."
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "The request timed out. Please try again."
	}
	return "Something went wrong. Please try again."
}
