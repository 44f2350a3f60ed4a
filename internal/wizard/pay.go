package wizard

import (
	"context"

	"lessonbook/internal/events"
	"lessonbook/internal/model"
	"lessonbook/internal/payment"
	"lessonbook/internal/slots"
)

// Pay charges the package and books the scheduled lessons. A full success or a partial commit ends the
// checkout; the saved session is cleared in both cases because the card has been charged.
func (w *Wizard) Pay(ctx context.Context, card payment.Card) error {
	w.mu.Lock()
	if err := w.beginMutation(); err != nil {
		w.mu.Unlock()
		return err
	}
	if w.step != StepPay || !skipIdentify(w.sess.AuthState, w.token) {
		w.mu.Unlock()
		return ErrWrongStep
	}
	q, ok := w.quote()
	if !ok {
		errs := map[string]string{"package": "select a package"}
		w.fieldErrors = errs
		w.mu.Unlock()
		return &ValidationError{Fields: errs}
	}
	if card.PaymentMethodID == "" {
		errs := map[string]string{"card": "payment details are required"}
		w.fieldErrors = errs
		w.mu.Unlock()
		return &ValidationError{Fields: errs}
	}

	var lessons []model.LessonRequest
	for _, l := range w.sess.LessonRequests {
		if l.IsComplete() {
			lessons = append(lessons, l)
		}
	}
	learner := w.sess.Learner
	learner.Password = ""
	learner.ConfirmPassword = ""
	req := payment.Request{
		InstructorID: w.instructorID,
		Token:        w.token,
		Learner:      learner,
		Purpose:      w.sess.Package.Purpose(),
		Currency:     w.opts.Currency,
		Quote:        q,
		Lessons:      lessons,
		Card:         card,
	}
	w.busy = true
	w.banner = ""
	w.fieldErrors = nil
	gen := w.gen
	w.mu.Unlock()

	receipt, err := w.deps.Payments.Pay(ctx, req)

	w.mu.Lock()
	defer w.unlockAndFlush()
	w.busy = false
	if w.closed || w.gen != gen {
		return ErrClosed
	}

	if pc, ok := payment.IsPartialCommitError(err); ok {
		w.partial = pc
		w.complete()
		w.banner = pc.UserMessage()
		committed := make([]string, len(pc.Committed))
		for i, c := range pc.Committed {
			committed[i] = c.BookingID
		}
		w.emit(events.TypePartialCommit, events.PartialCommit{
			InstructorID:   w.instructorID,
			PaymentID:      pc.PaymentID,
			Committed:      committed,
			FailedLessonID: pc.FailedLessonID,
			NotAttempted:   pc.NotAttempted,
		})
		return err
	}
	if err != nil {
		w.banner = paymentBanner(err)
		return err
	}

	w.receipt = receipt
	w.complete()
	ids := make([]string, len(receipt.Bookings))
	for i, b := range receipt.Bookings {
		ids[i] = b.ID
	}
	w.emit(events.TypeCompleted, events.Completed{
		InstructorID: w.instructorID,
		LearnerID:    learner.ID,
		PaymentID:    receipt.Attempt.ExternalAuthorizationID,
		Amount:       receipt.Attempt.Amount,
		BookingIDs:   ids,
	})
	return nil
}

// complete ends the checkout. Caller holds mu.
func (w *Wizard) complete() {
	w.moveTo(StepComplete)
	w.poller.Stop()
	w.slotCache = make(map[slotKey][]slots.BookableSlot)
	if err := w.deps.Store.Clear(w.ctx); err != nil {
		w.logger.Warn().Err(err).Msg("failed to clear saved checkout")
	}
}

func paymentBanner(err error) string {
	if de, ok := payment.IsDeclineError(err); ok {
		return de.UserMessage()
	}
	if payment.IsAuthorizationError(err) {
		return "We couldn't start the payment. You have not been charged. Please try again."
	}
	return bannerFor(err)
}
