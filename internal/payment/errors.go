package payment

import (
	"errors"
	"fmt"
	"strings"
)

// AuthorizationError means the backend refused to create a payment authorization. No card was charged.
type AuthorizationError struct {
	Err error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("payment authorization rejected: %v", e.Err)
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// DeclineCategory is the user-facing class of a processor decline.
type DeclineCategory string

const (
	DeclineCardDeclined      DeclineCategory = "card_declined"
	DeclineInsufficientFunds DeclineCategory = "insufficient_funds"
	DeclineIncorrectCVC      DeclineCategory = "incorrect_cvc"
	DeclineExpiredCard       DeclineCategory = "expired_card"
	DeclineOther             DeclineCategory = "other"
)

// DeclineError is a processor-level failure. No bookings are created after one.
type DeclineError struct {
	Category DeclineCategory
	Code     string // raw processor code, for logs only
	Err      error
}

func (e *DeclineError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment declined: %s (%s)", e.Category, e.Code)
	}
	return fmt.Sprintf("payment declined: %s", e.Category)
}

func (e *DeclineError) Unwrap() error {
	return e.Err
}

// UserMessage is the plain-language message shown to the learner.
func (e *DeclineError) UserMessage() string {
	switch e.Category {
	case DeclineCardDeclined:
		return "Your card was declined. Please try a different card."
	case DeclineInsufficientFunds:
		return "Your card has insufficient funds. Please use a different card."
	case DeclineIncorrectCVC:
		return "The security code (CVC) is incorrect. Please check it and try again."
	case DeclineExpiredCard:
		return "Your card has expired. Please use a different card."
	default:
		return "We couldn't process your payment. Please try again or use a different card."
	}
}

// Categorize maps processor error and decline codes to a category.
func Categorize(code, declineCode string) DeclineCategory {
	code = strings.ToLower(code)
	declineCode = strings.ToLower(declineCode)

	switch {
	case declineCode == "insufficient_funds":
		return DeclineInsufficientFunds
	case code == "incorrect_cvc" || code == "invalid_cvc" || declineCode == "incorrect_cvc" || declineCode == "invalid_cvc":
		return DeclineIncorrectCVC
	case code == "expired_card" || declineCode == "expired_card":
		return DeclineExpiredCard
	case code == "card_declined":
		return DeclineCardDeclined
	default:
		return DeclineOther
	}
}

// CommittedLesson is a lesson request whose booking was created.
type CommittedLesson struct {
	LessonID  string
	BookingID string
}

// PartialCommitError means the payment succeeded but booking creation stopped part way.
// Lessons are reported in request order: Committed, then the one that Failed, then NotAttempted.
type PartialCommitError struct {
	InstructorID   string
	LearnerID      string
	LearnerEmail   string
	PaymentID      string
	Amount         int64
	Currency       string
	Committed      []CommittedLesson
	FailedLessonID string
	Cause          error
	NotAttempted   []string
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("payment %s succeeded but booking %s failed (%d committed, %d not attempted): %v",
		e.PaymentID, e.FailedLessonID, len(e.Committed), len(e.NotAttempted), e.Cause)
}

func (e *PartialCommitError) Unwrap() error {
	return e.Cause
}

// UserMessage tells the learner what was booked without implying nothing happened.
func (e *PartialCommitError) UserMessage() string {
	return fmt.Sprintf("Your payment went through and %d of %d lessons were booked. "+
		"Our support team has been notified and will contact you about the rest.",
		len(e.Committed), len(e.Committed)+1+len(e.NotAttempted))
}

// IsAuthorizationError reports whether err is an *AuthorizationError.
func IsAuthorizationError(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

// IsDeclineError reports whether err is a *DeclineError and returns it.
func IsDeclineError(err error) (*DeclineError, bool) {
	var de *DeclineError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsPartialCommitError reports whether err is a *PartialCommitError and returns it.
func IsPartialCommitError(err error) (*PartialCommitError, bool) {
	var pe *PartialCommitError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
