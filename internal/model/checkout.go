// Package model holds the checkout data model shared by the resolver, the wizard and the stores.
package model

import "strings"

// PackageKind identifies the package a learner buys.
type PackageKind string

const (
	PackageTenHours PackageKind = "fixed-10h"
	PackageSixHours PackageKind = "fixed-6h"
	PackageCustom   PackageKind = "custom"
)

// PackageSelection is the chosen package. Discount is derived from hours and is not stored.
type PackageSelection struct {
	Kind        PackageKind `json:"kind,omitempty"`
	CustomHours int         `json:"customHours,omitempty"`
}

// Selected reports whether a package has been picked.
func (p PackageSelection) Selected() bool {
	return p.Kind != ""
}

// Hours returns the number of lesson-hours the package covers.
func (p PackageSelection) Hours() int {
	switch p.Kind {
	case PackageTenHours:
		return 10
	case PackageSixHours:
		return 6
	case PackageCustom:
		return p.CustomHours
	default:
		return 0
	}
}

// PaymentPurpose is sent to the backend with the payment authorization.
type PaymentPurpose string

const (
	PurposePackagePurchase PaymentPurpose = "package_purchase"
	PurposeSingleBooking   PaymentPurpose = "single_booking"
)

// Purpose returns the payment purpose for the selection: fixed packages are package purchases,
// custom hours are paid per booking.
func (p PackageSelection) Purpose() PaymentPurpose {
	if p.Kind == PackageCustom {
		return PurposeSingleBooking
	}
	return PurposePackagePurchase
}

// LessonRequest is one lesson the learner wants to schedule as part of the checkout.
type LessonRequest struct {
	ID            string  `json:"id"` // idempotency key for booking creation
	Duration      float64 `json:"duration"`
	Date          string  `json:"date,omitempty"`
	StartTime     string  `json:"startTime,omitempty"`
	PickupSuburb  string  `json:"pickupSuburb,omitempty"`
	PickupAddress string  `json:"pickupAddress,omitempty"`
}

// IsBlank reports whether none of the schedulable fields have been filled in.
func (l LessonRequest) IsBlank() bool {
	return l.Date == "" && l.StartTime == "" &&
		strings.TrimSpace(l.PickupSuburb) == "" && strings.TrimSpace(l.PickupAddress) == ""
}

// IsComplete reports whether every schedulable field is present.
func (l LessonRequest) IsComplete() bool {
	return l.Date != "" && l.StartTime != "" &&
		strings.TrimSpace(l.PickupSuburb) != "" && strings.TrimSpace(l.PickupAddress) != ""
}

// LearnerDetails is the learner's identity, contact, credentials and consent flags.
// Credentials are never serialized.
type LearnerDetails struct {
	ID              string `json:"_id,omitempty"`
	FirstName       string `json:"firstName,omitempty"`
	LastName        string `json:"lastName,omitempty"`
	Email           string `json:"email,omitempty"`
	Phone           string `json:"phone,omitempty"`
	Password        string `json:"-"`
	ConfirmPassword string `json:"-"`
	AcceptTerms     bool   `json:"acceptTerms,omitempty"`
	MarketingOptIn  bool   `json:"marketingOptIn,omitempty"`
}

// MergeDraft fills fields of l that are still empty from a restored draft. Fields already
// established (an authenticated account id in particular) always win.
func (l LearnerDetails) MergeDraft(draft LearnerDetails) LearnerDetails {
	out := l
	if out.ID == "" {
		out.ID = draft.ID
	}
	if out.FirstName == "" {
		out.FirstName = draft.FirstName
	}
	if out.LastName == "" {
		out.LastName = draft.LastName
	}
	if out.Email == "" {
		out.Email = draft.Email
	}
	if out.Phone == "" {
		out.Phone = draft.Phone
	}
	out.AcceptTerms = out.AcceptTerms || draft.AcceptTerms
	out.MarketingOptIn = out.MarketingOptIn || draft.MarketingOptIn
	return out
}

// AuthState is where the learner is in identification.
type AuthState string

const (
	AuthGuest                AuthState = "guest"
	AuthRegistering          AuthState = "registering"
	AuthAwaitingVerification AuthState = "awaiting-verification"
	AuthVerified             AuthState = "verified"
	AuthLoggedIn             AuthState = "logged-in"
)

// Identified reports whether the learner has a usable account for payment.
func (a AuthState) Identified() bool {
	return a == AuthVerified || a == AuthLoggedIn
}

// AuthMode is the identify step's sub-mode.
type AuthMode string

const (
	AuthModeLogin    AuthMode = "login"
	AuthModeRegister AuthMode = "register"
)

// CheckoutSession is the wizard's complete in-progress state.
type CheckoutSession struct {
	InstructorID   string           `json:"instructorId"`
	CurrentStep    int              `json:"currentStep"`
	Package        PackageSelection `json:"package"`
	LessonRequests []LessonRequest  `json:"lessonRequests"`
	Learner        LearnerDetails   `json:"learnerDetails"`
	AuthState      AuthState        `json:"authState"`
	AuthMode       AuthMode         `json:"authMode,omitempty"`
	PendingEmail   string           `json:"pendingEmail,omitempty"`
}

// Clone returns a deep copy safe to hand out of the wizard.
func (s CheckoutSession) Clone() CheckoutSession {
	out := s
	if s.LessonRequests != nil {
		out.LessonRequests = make([]LessonRequest, len(s.LessonRequests))
		copy(out.LessonRequests, s.LessonRequests)
	}
	return out
}

// ScheduledHours sums the durations of lesson requests that carry any schedule data.
func (s CheckoutSession) ScheduledHours() float64 {
	var total float64
	for _, l := range s.LessonRequests {
		if !l.IsBlank() {
			total += l.Duration
		}
	}
	return total
}

// PaymentAttempt is one ephemeral attempt to pay for a checkout.
type PaymentAttempt struct {
	ID                      string         `json:"id"`
	Amount                  int64          `json:"amount"` // cents
	Currency                string         `json:"currency"`
	LearnerID               string         `json:"learnerId"`
	LearnerEmail            string         `json:"learnerEmail"`
	Purpose                 PaymentPurpose `json:"purpose"`
	ExternalAuthorizationID string         `json:"externalAuthorizationId,omitempty"`
}
