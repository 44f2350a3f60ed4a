package wizard

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"lessonbook/internal/model"
	"lessonbook/internal/slots"
)

// errPayRequired is returned by Next on the payment step; payment is submitted with Pay.
var errPayRequired = errors.New("wizard: submit the payment step with Pay")

// Next validates the current step and advances. Validation failures return *ValidationError and leave
// the step unchanged. The identify step submits the active login or register form.
func (w *Wizard) Next(ctx context.Context) error {
	w.mu.Lock()
	if err := w.beginMutation(); err != nil {
		w.mu.Unlock()
		return err
	}
	step := w.step
	w.mu.Unlock()

	switch step {
	case StepConfirmInstructor:
		return w.advance(step, nil)
	case StepSelectPackage:
		return w.advance(step, func(s model.CheckoutSession) map[string]string {
			return validatePackage(s.Package)
		})
	case StepScheduleLessons:
		return w.submitSchedule(ctx)
	case StepIdentify:
		w.mu.Lock()
		mode := w.sess.AuthMode
		w.mu.Unlock()
		if mode == model.AuthModeLogin {
			return w.SubmitLogin(ctx)
		}
		return w.SubmitRegister(ctx)
	default:
		return errPayRequired
	}
}

// advance runs a local guard for step and moves forward when it passes.
func (w *Wizard) advance(step Step, guard func(model.CheckoutSession) map[string]string) error {
	w.mu.Lock()
	defer w.unlockAndFlush()
	if err := w.beginMutation(); err != nil {
		return err
	}
	if w.step != step {
		return ErrWrongStep
	}
	if guard != nil {
		if errs := guard(w.sess); len(errs) > 0 {
			w.fieldErrors = errs
			return &ValidationError{Fields: errs}
		}
	}
	w.moveTo(nextStep(step, w.sess.AuthState, w.token))
	w.persist()
	return nil
}

// submitSchedule runs the local step-3 guard, then checks every complete lesson's start against the
// instructor's current slots.
func (w *Wizard) submitSchedule(ctx context.Context) error {
	w.mu.Lock()
	if err := w.beginMutation(); err != nil {
		w.mu.Unlock()
		return err
	}
	lessons := w.sess.Clone().LessonRequests
	if errs := validateSchedule(lessons, w.sess.Package.Hours()); errs != nil {
		w.fieldErrors = errs
		w.mu.Unlock()
		return &ValidationError{Fields: errs}
	}
	w.busy = true
	gen := w.gen
	w.mu.Unlock()

	errs := map[string]string{}
	var fetchErr error
	for i, l := range lessons {
		if !l.IsComplete() {
			continue
		}
		offered, err := w.slotsFor(ctx, gen, l.Date, l.Duration)
		if err != nil {
			fetchErr = err
			break
		}
		if !slots.Contains(offered, l.StartTime) {
			errs[lessonField(i, "startTime")] = "this time is no longer available"
		}
	}

	w.mu.Lock()
	defer w.unlockAndFlush()
	w.busy = false
	if w.closed || w.gen != gen {
		return ErrClosed
	}
	if fetchErr != nil {
		w.banner = bannerFor(fetchErr)
		return fetchErr
	}
	if w.step != StepScheduleLessons {
		return ErrWrongStep
	}
	if len(errs) > 0 {
		w.fieldErrors = errs
		return &ValidationError{Fields: errs}
	}
	w.moveTo(nextStep(StepScheduleLessons, w.sess.AuthState, w.token))
	w.persist()
	return nil
}

// Back moves to the previous step, clearing errors and the banner but keeping every entered value.
// It is refused only while a payment is being processed.
func (w *Wizard) Back() error {
	w.mu.Lock()
	defer w.unlockAndFlush()
	switch {
	case w.closed:
		return ErrClosed
	case !w.mounted:
		return ErrNotMounted
	case w.step == StepComplete:
		return ErrWrongStep
	case w.busy && w.step == StepPay:
		return ErrBusy
	}

	w.fieldErrors = nil
	w.banner = ""
	if w.step == StepConfirmInstructor {
		return nil
	}
	w.moveTo(prevStep(w.step, w.sess.AuthState, w.token))
	w.persist()
	return nil
}

// Slots returns the bookable starts for a lesson of durationHours on date. Results are cached per
// (date, duration) until InvalidateSlots.
func (w *Wizard) Slots(ctx context.Context, date string, durationHours float64) ([]slots.BookableSlot, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrClosed
	}
	gen := w.gen
	w.mu.Unlock()
	return w.slotsFor(ctx, gen, date, durationHours)
}

// InvalidateSlots drops cached slot lists so the next lookup refetches.
func (w *Wizard) InvalidateSlots() {
	w.mu.Lock()
	w.slotCache = make(map[slotKey][]slots.BookableSlot)
	w.mu.Unlock()
}

func (w *Wizard) slotsFor(ctx context.Context, gen uint64, date string, durationHours float64) ([]slots.BookableSlot, error) {
	key := slotKey{date: date, duration: durationHours}
	w.mu.Lock()
	if cached, ok := w.slotCache[key]; ok {
		w.mu.Unlock()
		return append([]slots.BookableSlot(nil), cached...), nil
	}
	w.mu.Unlock()

	resolved, err := w.fetchSlots(ctx, date, durationHours)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.gen != gen {
		return nil, ErrClosed
	}
	w.slotCache[key] = resolved
	return append([]slots.BookableSlot(nil), resolved...), nil
}

// fetchSlots loads the day's availability and the instructor's bookings concurrently and resolves once
// both have arrived.
func (w *Wizard) fetchSlots(ctx context.Context, date string, durationHours float64) ([]slots.BookableSlot, error) {
	now := w.opts.Now()
	today := now.Format("2006-01-02")
	if date < today {
		return nil, nil
	}

	var (
		days     []model.AvailabilityDay
		bookings []model.ExistingBooking
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		days, err = w.deps.Backend.GetAvailability(gctx, w.instructorID, date, date)
		return err
	})
	g.Go(func() error {
		var err error
		bookings, err = w.deps.Backend.GetInstructorBookings(gctx, w.instructorID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	day, ok := slots.DayFor(days, date)
	if !ok {
		return nil, nil
	}
	resolved, err := slots.Resolve(day, slots.BookingsOn(bookings, date), durationHours)
	if err != nil {
		return nil, err
	}
	w.deps.Metrics.IncSlotResolution()

	if date == today {
		cutoff := now.Hour()*60 + now.Minute() + int(w.opts.MinAdvance/time.Minute)
		resolved = slots.NotBefore(resolved, cutoff)
	}
	w.logger.Debug().
		Str("date", date).
		Float64("duration", durationHours).
		Strs("starts", slots.Labels(resolved)).
		Msg("slots resolved")
	return resolved, nil
}
