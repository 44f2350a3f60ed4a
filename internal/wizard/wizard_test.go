package wizard

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lessonbook/internal/backend"
	"lessonbook/internal/events"
	"lessonbook/internal/model"
	"lessonbook/internal/payment"
	"lessonbook/internal/session"
)

const (
	instructorID = "inst-1"
	lessonDate   = "2026-03-02"
	namespace    = "test"
)

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) GetInstructor(ctx context.Context, id string) (*model.Instructor, error) {
	args := m.Called(ctx, id)
	inst, _ := args.Get(0).(*model.Instructor)
	return inst, args.Error(1)
}

func (m *MockBackend) GetAvailability(ctx context.Context, instructorID, from, to string) ([]model.AvailabilityDay, error) {
	args := m.Called(ctx, instructorID, from, to)
	days, _ := args.Get(0).([]model.AvailabilityDay)
	return days, args.Error(1)
}

func (m *MockBackend) GetInstructorBookings(ctx context.Context, instructorID string) ([]model.ExistingBooking, error) {
	args := m.Called(ctx, instructorID)
	bookings, _ := args.Get(0).([]model.ExistingBooking)
	return bookings, args.Error(1)
}

func (m *MockBackend) Register(ctx context.Context, req backend.RegisterRequest) (*backend.AuthResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*backend.AuthResponse)
	return resp, args.Error(1)
}

func (m *MockBackend) Login(ctx context.Context, req backend.LoginRequest) (*backend.AuthResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*backend.AuthResponse)
	return resp, args.Error(1)
}

func (m *MockBackend) Me(ctx context.Context, token, email string) (*model.Account, error) {
	args := m.Called(ctx, token, email)
	acct, _ := args.Get(0).(*model.Account)
	return acct, args.Error(1)
}

type MockPayer struct {
	mock.Mock
}

func (m *MockPayer) Pay(ctx context.Context, req payment.Request) (*payment.Receipt, error) {
	args := m.Called(ctx, req)
	receipt, _ := args.Get(0).(*payment.Receipt)
	return receipt, args.Error(1)
}

type harness struct {
	w       *Wizard
	backend *MockBackend
	payer   *MockPayer
	kv      *session.MemoryBackend
	store   *session.Store
	auth    *session.AuthStore
	bus     *events.EventBus
	opts    Options

	mu    sync.Mutex
	steps []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend: new(MockBackend),
		payer:   new(MockPayer),
		kv:      session.NewMemoryBackend(),
		bus:     events.NewEventBus(),
		opts: Options{
			VerificationInterval: 50 * time.Millisecond,
			Now:                  func() time.Time { return fixedNow },
		},
	}
	h.auth = session.NewAuthStore(h.kv, namespace, nil)
	h.bus.Subscribe(events.TypeStepChanged, func(ev events.Event) error {
		var sc events.StepChanged
		if err := ev.Decode(&sc); err != nil {
			return err
		}
		h.mu.Lock()
		h.steps = append(h.steps, sc.To)
		h.mu.Unlock()
		return nil
	})
	h.backend.On("GetInstructor", mock.Anything, instructorID).
		Return(&model.Instructor{ID: instructorID, Name: "Alex", HourlyRate: 80}, nil)
	h.w = h.newWizard(t)
	return h
}

// newWizard builds a wizard over the harness's shared storage, as a new visit would.
func (h *harness) newWizard(t *testing.T) *Wizard {
	t.Helper()
	h.store = session.NewStore(h.kv, namespace, 0, nil)
	w := New(instructorID, Deps{
		Backend:  h.backend,
		Payments: h.payer,
		Store:    h.store,
		Auth:     h.auth,
		Bus:      h.bus,
	}, h.opts)
	t.Cleanup(w.Close)
	return w
}

func (h *harness) stepEvents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.steps...)
}

func (h *harness) expectDay(date string, booked ...model.ExistingBooking) {
	day := model.AvailabilityDay{Date: date}
	for _, l := range []string{"8:00 AM", "9:00 AM", "10:00 AM", "11:00 AM", "12:00 PM"} {
		day.Slots = append(day.Slots, model.SlotState{Time: l, Available: true})
	}
	h.backend.On("GetAvailability", mock.Anything, instructorID, date, date).
		Return([]model.AvailabilityDay{day}, nil)
	h.backend.On("GetInstructorBookings", mock.Anything, instructorID).
		Return(booked, nil)
}

// toSchedule mounts and walks to the scheduling step with the given package.
func (h *harness) toSchedule(t *testing.T, kind model.PackageKind) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.w.Mount(ctx))
	require.NoError(t, h.w.Next(ctx))
	require.NoError(t, h.w.SelectPackage(kind, 0))
	require.NoError(t, h.w.Next(ctx))
	require.Equal(t, StepScheduleLessons, h.w.Snapshot().Step)
}

// scheduleOne adds a complete two-hour lesson at start on lessonDate.
func (h *harness) scheduleOne(t *testing.T, start string) string {
	t.Helper()
	id, err := h.w.AddLesson(2)
	require.NoError(t, err)
	require.NoError(t, h.w.SetLessonDate(id, lessonDate))
	require.NoError(t, h.w.SetLessonTime(id, start))
	require.NoError(t, h.w.SetLessonPickup(id, "Carlton", "1 Lygon St"))
	return id
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StepConfirmInstructor, StepSelectPackage))
	assert.True(t, CanTransition(StepScheduleLessons, StepPay))
	assert.True(t, CanTransition(StepPay, StepComplete))
	assert.False(t, CanTransition(StepConfirmInstructor, StepPay))
	assert.False(t, CanTransition(StepComplete, StepPay))
	assert.False(t, CanTransition(StepIdentify, StepComplete))

	for _, auth := range []model.AuthState{model.AuthVerified, model.AuthLoggedIn} {
		assert.Equal(t, StepPay, nextStep(StepScheduleLessons, auth, "tok"))
		assert.Equal(t, StepScheduleLessons, prevStep(StepPay, auth, "tok"))
		// Without a token the learner has to sign in again.
		assert.Equal(t, StepIdentify, nextStep(StepScheduleLessons, auth, ""))
		assert.Equal(t, StepIdentify, prevStep(StepPay, auth, ""))
		assert.Equal(t, StepIdentify, normalizeStep(StepPay, auth, ""))
	}
	for _, auth := range []model.AuthState{model.AuthGuest, model.AuthRegistering, model.AuthAwaitingVerification} {
		assert.Equal(t, StepIdentify, nextStep(StepScheduleLessons, auth, "tok"))
		assert.Equal(t, StepIdentify, prevStep(StepPay, auth, "tok"))
	}
}

func TestWizard_LoggedInLearnerSkipsIdentifyAndCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.auth.Save(ctx, session.AuthRecord{AccountID: "acc-1", Email: "sam@example.com", Token: "opaque-token"}))
	h.backend.On("Me", mock.Anything, "opaque-token", "").
		Return(&model.Account{ID: "acc-1", Email: "sam@example.com", Verified: true}, nil)

	var completed []events.Completed
	h.bus.Subscribe(events.TypeCompleted, func(ev events.Event) error {
		var c events.Completed
		require.NoError(t, ev.Decode(&c))
		completed = append(completed, c)
		return nil
	})

	h.toSchedule(t, model.PackageTenHours)
	snap := h.w.Snapshot()
	assert.Equal(t, model.AuthLoggedIn, snap.Session.AuthState)
	assert.Equal(t, "acc-1", snap.Session.Learner.ID)
	require.NotNil(t, snap.Quote)
	assert.Equal(t, int64(74160), snap.Quote.Total)
	assert.Len(t, snap.Installments[4], 4)

	h.expectDay(lessonDate, model.ExistingBooking{
		ID: "b1", Date: lessonDate, StartTime: "11:00 AM", DurationHours: 1, Status: model.BookingConfirmed,
	})
	h.scheduleOne(t, "9:00 AM")
	require.NoError(t, h.w.Next(ctx))
	assert.Equal(t, StepPay, h.w.Snapshot().Step)

	h.payer.On("Pay", mock.Anything, mock.MatchedBy(func(r payment.Request) bool {
		return r.Token == "opaque-token" &&
			r.Quote.Total == 74160 &&
			r.Purpose == model.PurposePackagePurchase &&
			r.Currency == "aud" &&
			len(r.Lessons) == 1 &&
			r.Learner.ID == "acc-1"
	})).Return(&payment.Receipt{
		Attempt:  model.PaymentAttempt{ExternalAuthorizationID: "pi_1", Amount: 74160},
		Bookings: []model.ExistingBooking{{ID: "bk-1"}},
	}, nil)

	require.NoError(t, h.w.Pay(ctx, payment.Card{PaymentMethodID: "pm_1"}))

	snap = h.w.Snapshot()
	assert.Equal(t, StepComplete, snap.Step)
	require.NotNil(t, snap.Receipt)
	assert.Equal(t, []string{"select_package", "schedule_lessons", "pay", "complete"}, h.stepEvents())
	require.Len(t, completed, 1)
	assert.Equal(t, []string{"bk-1"}, completed[0].BookingIDs)

	_, err := h.kv.Get(ctx, namespace+":checkout")
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.ErrorIs(t, h.w.Back(), ErrWrongStep)
	h.payer.AssertNumberOfCalls(t, "Pay", 1)
}

func TestWizard_PackageGuard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.w.Mount(ctx))
	require.NoError(t, h.w.Next(ctx))

	err := h.w.Next(ctx)
	ve, ok := IsValidationError(err)
	require.True(t, ok)
	assert.Contains(t, ve.Fields, "package")
	assert.Equal(t, StepSelectPackage, h.w.Snapshot().Step)

	require.NoError(t, h.w.SelectPackage(model.PackageCustom, 0))
	err = h.w.Next(ctx)
	ve, ok = IsValidationError(err)
	require.True(t, ok)
	assert.Contains(t, ve.Fields, "customHours")

	require.NoError(t, h.w.SelectPackage(model.PackageCustom, 3))
	require.NoError(t, h.w.Next(ctx))
	snap := h.w.Snapshot()
	assert.Equal(t, StepScheduleLessons, snap.Step)
	require.NotNil(t, snap.Quote)
	assert.Equal(t, int64(24720), snap.Quote.Total)

	assert.Error(t, h.w.SelectPackage("fixed-99h", 0))
}

func TestWizard_ScheduleRequiresCompleteLessons(t *testing.T) {
	h := newHarness(t)
	h.toSchedule(t, model.PackageTenHours)

	id, err := h.w.AddLesson(1)
	require.NoError(t, err)
	require.NoError(t, h.w.SetLessonDate(id, lessonDate))

	err = h.w.Next(context.Background())
	ve, ok := IsValidationError(err)
	require.True(t, ok)
	assert.Contains(t, ve.Fields, "lessons[0].startTime")
	assert.Contains(t, ve.Fields, "lessons[0].pickupSuburb")
	assert.Contains(t, ve.Fields, "lessons[0].pickupAddress")
	assert.NotContains(t, ve.Fields, "lessons[0].date")
	assert.Equal(t, StepScheduleLessons, h.w.Snapshot().Step)
	h.backend.AssertNotCalled(t, "GetAvailability", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWizard_BlankLessonsAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.toSchedule(t, model.PackageSixHours)

	_, err := h.w.AddLesson(1)
	require.NoError(t, err)
	require.NoError(t, h.w.Next(context.Background()))
	assert.Equal(t, StepIdentify, h.w.Snapshot().Step)
}

func TestWizard_ScheduleRejectsUnavailableStart(t *testing.T) {
	h := newHarness(t)
	h.toSchedule(t, model.PackageTenHours)
	h.expectDay(lessonDate, model.ExistingBooking{
		ID: "b1", Date: lessonDate, StartTime: "10:00 AM", DurationHours: 1, Status: model.BookingPending,
	})
	h.scheduleOne(t, "9:00 AM")

	err := h.w.Next(context.Background())
	ve, ok := IsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, "this time is no longer available", ve.Fields["lessons[0].startTime"])
	assert.Equal(t, ve.Fields, h.w.Snapshot().FieldErrors)
}

func TestWizard_ScheduleLimitsHoursAndOverlaps(t *testing.T) {
	h := newHarness(t)
	h.toSchedule(t, model.PackageSixHours)

	first := h.scheduleOne(t, "9:00 AM")
	second := h.scheduleOne(t, "10:00 AM")
	require.NoError(t, h.w.SetLessonDuration(second, 5))
	require.NoError(t, h.w.SetLessonTime(second, "10:00 AM"))

	err := h.w.Next(context.Background())
	ve, ok := IsValidationError(err)
	require.True(t, ok)
	assert.Contains(t, ve.Fields, "lessons")
	assert.Equal(t, "overlaps lesson 1", ve.Fields["lessons[1].startTime"])

	require.NoError(t, h.w.RemoveLesson(first))
	assert.ErrorIs(t, h.w.RemoveLesson(first), ErrLessonNotFound)
}

func TestWizard_DateOrDurationChangeClearsStartTime(t *testing.T) {
	h := newHarness(t)
	h.toSchedule(t, model.PackageTenHours)
	id := h.scheduleOne(t, "9:00 AM")

	require.NoError(t, h.w.SetLessonDate(id, lessonDate))
	assert.Equal(t, "9:00 AM", h.w.Snapshot().Session.LessonRequests[0].StartTime)

	require.NoError(t, h.w.SetLessonDate(id, "2026-03-03"))
	assert.Empty(t, h.w.Snapshot().Session.LessonRequests[0].StartTime)

	require.NoError(t, h.w.SetLessonTime(id, "9:00 AM"))
	require.NoError(t, h.w.SetLessonDuration(id, 1.5))
	l := h.w.Snapshot().Session.LessonRequests[0]
	assert.Empty(t, l.StartTime)
	assert.Equal(t, 1.5, l.Duration)
	assert.Equal(t, "Carlton", l.PickupSuburb)

	assert.Error(t, h.w.SetLessonDuration(id, 0))
}

func TestWizard_BackClearsErrorsAndKeepsData(t *testing.T) {
	h := newHarness(t)
	h.toSchedule(t, model.PackageTenHours)
	id, err := h.w.AddLesson(1)
	require.NoError(t, err)
	require.NoError(t, h.w.SetLessonPickup(id, "Carlton", ""))

	_, ok := IsValidationError(h.w.Next(context.Background()))
	require.True(t, ok)
	require.NotEmpty(t, h.w.Snapshot().FieldErrors)

	require.NoError(t, h.w.Back())
	snap := h.w.Snapshot()
	assert.Equal(t, StepSelectPackage, snap.Step)
	assert.Empty(t, snap.FieldErrors)
	assert.Empty(t, snap.Banner)
	assert.Equal(t, model.PackageTenHours, snap.Session.Package.Kind)
	require.Len(t, snap.Session.LessonRequests, 1)
	assert.Equal(t, "Carlton", snap.Session.LessonRequests[0].PickupSuburb)

	require.NoError(t, h.w.Back())
	require.NoError(t, h.w.Back())
	assert.Equal(t, StepConfirmInstructor, h.w.Snapshot().Step)
}

func TestWizard_NetworkFailureSetsBanner(t *testing.T) {
	h := newHarness(t)
	h.toSchedule(t, model.PackageTenHours)
	h.backend.On("GetAvailability", mock.Anything, instructorID, lessonDate, lessonDate).
		Return(nil, fmt.Errorf("%w: connection refused", backend.ErrNetwork))
	h.backend.On("GetInstructorBookings", mock.Anything, instructorID).
		Return([]model.ExistingBooking{}, nil).Maybe()
	h.scheduleOne(t, "9:00 AM")

	err := h.w.Next(context.Background())
	require.Error(t, err)
	assert.True(t, backend.IsNetworkError(err))

	snap := h.w.Snapshot()
	assert.Equal(t, StepScheduleLessons, snap.Step)
	assert.Contains(t, snap.Banner, "couldn't reach the server")
	assert.False(t, snap.Busy)
}

func TestWizard_SlotsAreCachedPerDateAndDuration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.w.Mount(ctx))
	h.expectDay(lessonDate)

	first, err := h.w.Slots(ctx, lessonDate, 1)
	require.NoError(t, err)
	second, err := h.w.Slots(ctx, lessonDate, 1)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 5)
	h.backend.AssertNumberOfCalls(t, "GetAvailability", 1)

	two, err := h.w.Slots(ctx, lessonDate, 2)
	require.NoError(t, err)
	assert.Len(t, two, 4)
	h.backend.AssertNumberOfCalls(t, "GetAvailability", 2)

	h.w.InvalidateSlots()
	_, err = h.w.Slots(ctx, lessonDate, 1)
	require.NoError(t, err)
	h.backend.AssertNumberOfCalls(t, "GetAvailability", 3)
}

func TestWizard_SameDaySlotsRespectLeadTime(t *testing.T) {
	h := newHarness(t)
	h.opts.MinAdvance = 2 * time.Hour
	h.w = h.newWizard(t)
	ctx := context.Background()
	require.NoError(t, h.w.Mount(ctx))

	today := fixedNow.Format("2006-01-02")
	h.expectDay(today)
	got, err := h.w.Slots(ctx, today, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "11:00 AM", got[0].Start)

	past, err := h.w.Slots(ctx, "2026-02-27", 1)
	require.NoError(t, err)
	assert.Empty(t, past)
	h.backend.AssertNotCalled(t, "GetAvailability", mock.Anything, instructorID, "2026-02-27", "2026-02-27")
}

func TestWizard_LoginValidationNeverCallsBackend(t *testing.T) {
	h := newHarness(t)
	h.toSchedule(t, model.PackageTenHours)
	require.NoError(t, h.w.Next(context.Background()))
	require.NoError(t, h.w.SetAuthMode(model.AuthModeLogin))
	require.NoError(t, h.w.SetLearner(model.LearnerDetails{Email: "not-an-email"}))

	err := h.w.Next(context.Background())
	ve, ok := IsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, "must be a valid email address", ve.Fields["email"])
	assert.Equal(t, "is required", ve.Fields["password"])
	h.backend.AssertNotCalled(t, "Login", mock.Anything, mock.Anything)
}

func TestWizard_RegisterValidation(t *testing.T) {
	h := newHarness(t)
	h.toSchedule(t, model.PackageTenHours)
	require.NoError(t, h.w.Next(context.Background()))
	require.NoError(t, h.w.SetLearner(model.LearnerDetails{
		FirstName:       "Sam",
		Email:           "sam@example.com",
		Phone:           "0400000000",
		Password:        "short",
		ConfirmPassword: "other",
	}))

	err := h.w.SubmitRegister(context.Background())
	ve, ok := IsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, "is required", ve.Fields["lastName"])
	assert.Equal(t, "must be at least 6 characters", ve.Fields["password"])
	assert.Equal(t, "passwords do not match", ve.Fields["confirmPassword"])
	assert.Equal(t, "you must accept the terms and conditions", ve.Fields["acceptTerms"])
	assert.NotContains(t, ve.Fields, "email")
	h.backend.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
}

func registeringLearner() model.LearnerDetails {
	return model.LearnerDetails{
		FirstName:       "Jo",
		LastName:        "Learner",
		Email:           "jo@example.com",
		Phone:           "0400000000",
		Password:        "secret1",
		ConfirmPassword: "secret1",
		AcceptTerms:     true,
	}
}

func TestWizard_LoginAdvancesToPay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.toSchedule(t, model.PackageTenHours)
	require.NoError(t, h.w.Next(ctx))
	require.NoError(t, h.w.SetAuthMode(model.AuthModeLogin))
	require.NoError(t, h.w.SetLearner(model.LearnerDetails{Email: "jo@example.com", Password: "secret1"}))

	h.backend.On("Login", mock.Anything, backend.LoginRequest{Email: "jo@example.com", Password: "secret1"}).
		Return(&backend.AuthResponse{Token: "tok-1", User: model.Account{ID: "acc-9", Email: "jo@example.com", Role: "learner"}}, nil)

	require.NoError(t, h.w.Next(ctx))
	snap := h.w.Snapshot()
	assert.Equal(t, StepPay, snap.Step)
	assert.Equal(t, model.AuthLoggedIn, snap.Session.AuthState)
	assert.Equal(t, "acc-9", snap.Session.Learner.ID)
	assert.Empty(t, snap.Session.Learner.Password)

	rec, err := h.auth.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "tok-1", rec.Token)

	require.NoError(t, h.w.Back())
	assert.Equal(t, StepScheduleLessons, h.w.Snapshot().Step)
}

func TestWizard_LoginRejectedShowsBanner(t *testing.T) {
	h := newHarness(t)
	h.toSchedule(t, model.PackageTenHours)
	require.NoError(t, h.w.Next(context.Background()))
	require.NoError(t, h.w.SetAuthMode(model.AuthModeLogin))
	require.NoError(t, h.w.SetLearner(model.LearnerDetails{Email: "jo@example.com", Password: "wrong1"}))
	h.backend.On("Login", mock.Anything, mock.Anything).
		Return(nil, &backend.HTTPError{Status: 401, Message: "Invalid credentials"})

	require.Error(t, h.w.Next(context.Background()))
	snap := h.w.Snapshot()
	assert.Equal(t, StepIdentify, snap.Step)
	assert.Equal(t, "Invalid credentials", snap.Banner)
	assert.Equal(t, model.AuthGuest, snap.Session.AuthState)
}

func TestWizard_RegisterAwaitsVerification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.toSchedule(t, model.PackageTenHours)
	require.NoError(t, h.w.Next(ctx))
	require.NoError(t, h.w.SetLearner(registeringLearner()))

	h.backend.On("Register", mock.Anything, mock.MatchedBy(func(r backend.RegisterRequest) bool {
		return r.Email == "jo@example.com" && r.Role == "learner"
	})).Return(&backend.AuthResponse{RequiresVerification: true, User: model.Account{ID: "acc-2"}}, nil)
	h.backend.On("Me", mock.Anything, "", "jo@example.com").
		Return(&model.Account{ID: "acc-2", Email: "jo@example.com"}, nil).Once()
	h.backend.On("Me", mock.Anything, "", "jo@example.com").
		Return(&model.Account{ID: "acc-2", Email: "jo@example.com", Verified: true}, nil)
	h.backend.On("Login", mock.Anything, backend.LoginRequest{Email: "jo@example.com", Password: "secret1"}).
		Return(&backend.AuthResponse{Token: "tok-2", User: model.Account{ID: "acc-2", Email: "jo@example.com"}}, nil)

	verified := make(chan struct{}, 1)
	h.bus.Subscribe(events.TypeVerified, func(events.Event) error {
		verified <- struct{}{}
		return nil
	})

	require.NoError(t, h.w.Next(ctx))
	snap := h.w.Snapshot()
	assert.Equal(t, StepIdentify, snap.Step)
	assert.Equal(t, "jo@example.com", snap.Session.PendingEmail)
	assert.ErrorIs(t, h.w.SubmitRegister(ctx), ErrWrongStep)

	select {
	case <-verified:
	case <-time.After(2 * time.Second):
		t.Fatal("verification was not observed")
	}

	snap = h.w.Snapshot()
	assert.Equal(t, StepPay, snap.Step)
	assert.Equal(t, model.AuthVerified, snap.Session.AuthState)
	assert.Equal(t, "acc-2", snap.Session.Learner.ID)
	assert.Empty(t, snap.Session.PendingEmail)

	assert.Eventually(t, func() bool {
		rec, err := h.auth.Load(ctx)
		return err == nil && rec != nil && rec.Token == "tok-2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWizard_RegisterWithoutVerificationGoesToPay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.toSchedule(t, model.PackageTenHours)
	require.NoError(t, h.w.Next(ctx))
	require.NoError(t, h.w.SetLearner(registeringLearner()))
	h.backend.On("Register", mock.Anything, mock.Anything).
		Return(&backend.AuthResponse{Token: "tok-3", User: model.Account{ID: "acc-3", Email: "jo@example.com"}}, nil)

	require.NoError(t, h.w.Next(ctx))
	snap := h.w.Snapshot()
	assert.Equal(t, StepPay, snap.Step)
	assert.Equal(t, model.AuthVerified, snap.Session.AuthState)
	assert.False(t, snap.Verifying)
}

func TestWizard_RejectsDoubleSubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.toSchedule(t, model.PackageTenHours)
	require.NoError(t, h.w.Next(ctx))
	require.NoError(t, h.w.SetAuthMode(model.AuthModeLogin))
	require.NoError(t, h.w.SetLearner(model.LearnerDetails{Email: "jo@example.com", Password: "secret1"}))

	release := make(chan struct{})
	h.backend.On("Login", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(&backend.AuthResponse{Token: "tok-1", User: model.Account{ID: "acc-1"}}, nil)

	done := make(chan error, 1)
	go func() { done <- h.w.SubmitLogin(ctx) }()

	require.Eventually(t, func() bool { return h.w.Snapshot().Busy }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.w.SubmitLogin(ctx), ErrBusy)
	assert.ErrorIs(t, h.w.SetLearner(model.LearnerDetails{}), ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StepPay, h.w.Snapshot().Step)
	h.backend.AssertNumberOfCalls(t, "Login", 1)
}

func TestWizard_CloseDiscardsInFlightResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.toSchedule(t, model.PackageTenHours)
	require.NoError(t, h.w.Next(ctx))
	require.NoError(t, h.w.SetAuthMode(model.AuthModeLogin))
	require.NoError(t, h.w.SetLearner(model.LearnerDetails{Email: "jo@example.com", Password: "secret1"}))

	release := make(chan struct{})
	h.backend.On("Login", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(&backend.AuthResponse{Token: "tok-1", User: model.Account{ID: "acc-1"}}, nil)

	done := make(chan error, 1)
	go func() { done <- h.w.SubmitLogin(ctx) }()
	require.Eventually(t, func() bool { return h.w.Snapshot().Busy }, time.Second, 5*time.Millisecond)

	h.w.Close()
	close(release)
	assert.ErrorIs(t, <-done, ErrClosed)

	snap := h.w.Snapshot()
	assert.Equal(t, StepIdentify, snap.Step)
	assert.Empty(t, snap.Session.Learner.ID)
	assert.ErrorIs(t, h.w.Next(ctx), ErrClosed)

	rec, err := h.auth.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestWizard_RestoresSavedCheckout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.toSchedule(t, model.PackageSixHours)
	h.scheduleOne(t, "9:00 AM")
	require.NoError(t, h.w.SetLearner(registeringLearner()))
	h.w.Close()

	raw, err := h.kv.Get(ctx, namespace+":checkout")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret1")

	w := h.newWizard(t)
	require.NoError(t, w.Mount(ctx))
	snap := w.Snapshot()
	assert.Equal(t, StepScheduleLessons, snap.Step)
	assert.Equal(t, model.PackageSixHours, snap.Session.Package.Kind)
	require.Len(t, snap.Session.LessonRequests, 1)
	assert.Equal(t, "9:00 AM", snap.Session.LessonRequests[0].StartTime)
	assert.Equal(t, "Jo", snap.Session.Learner.FirstName)
	assert.Empty(t, snap.Session.Learner.Password)
	assert.Equal(t, model.AuthGuest, snap.Session.AuthState)
}

func TestWizard_RejectedStoredTokenIsCleared(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.auth.Save(ctx, session.AuthRecord{AccountID: "acc-1", Token: "stale"}))
	h.backend.On("Me", mock.Anything, "stale", "").
		Return(nil, &backend.HTTPError{Status: 401, Message: "Unauthorized"})

	require.NoError(t, h.w.Mount(ctx))
	snap := h.w.Snapshot()
	assert.Equal(t, model.AuthGuest, snap.Session.AuthState)
	assert.Empty(t, snap.Session.Learner.ID)

	rec, err := h.auth.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// swapBackend gives later visits a fresh backend mock; the previous wizard keeps the old one.
func (h *harness) swapBackend() *MockBackend {
	h.backend = new(MockBackend)
	h.backend.On("GetInstructor", mock.Anything, instructorID).
		Return(&model.Instructor{ID: instructorID, Name: "Alex", HourlyRate: 80}, nil)
	return h.backend
}

// loggedInDraft leaves a saved checkout at the scheduling step that carries a learner id.
func (h *harness) loggedInDraft(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.auth.Save(ctx, session.AuthRecord{AccountID: "acc-1", Token: "tok"}))
	h.backend.On("Me", mock.Anything, "tok", "").
		Return(&model.Account{ID: "acc-1", Email: "sam@example.com", Verified: true}, nil)
	h.toSchedule(t, model.PackageTenHours)
	require.Equal(t, model.AuthLoggedIn, h.w.Snapshot().Session.AuthState)
	h.w.Close()
}

func TestWizard_DraftWithRejectedTokenShowsIdentify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.loggedInDraft(t)

	b := h.swapBackend()
	b.On("Me", mock.Anything, "tok", "").
		Return(nil, &backend.HTTPError{Status: 401, Message: "Unauthorized"})
	w := h.newWizard(t)
	require.NoError(t, w.Mount(ctx))

	snap := w.Snapshot()
	assert.Equal(t, StepScheduleLessons, snap.Step)
	assert.Equal(t, model.AuthGuest, snap.Session.AuthState)
	assert.Empty(t, snap.Session.Learner.ID)
	assert.Equal(t, "sam@example.com", snap.Session.Learner.Email)

	require.NoError(t, w.Next(ctx))
	assert.Equal(t, StepIdentify, w.Snapshot().Step)
	assert.ErrorIs(t, w.Pay(ctx, payment.Card{PaymentMethodID: "pm_card_visa"}), ErrWrongStep)
	b.AssertNotCalled(t, "Login", mock.Anything, mock.Anything)
}

func TestWizard_DraftWithoutAuthRecordShowsIdentify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.loggedInDraft(t)
	require.NoError(t, h.auth.Clear(ctx))

	h.swapBackend()
	w := h.newWizard(t)
	require.NoError(t, w.Mount(ctx))

	snap := w.Snapshot()
	assert.Equal(t, model.AuthGuest, snap.Session.AuthState)
	assert.Empty(t, snap.Session.Learner.ID)
	require.NoError(t, w.Next(ctx))
	assert.Equal(t, StepIdentify, w.Snapshot().Step)
}

func TestWizard_VerifiedAfterReloadRequiresLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.toSchedule(t, model.PackageTenHours)
	require.NoError(t, h.w.Next(ctx))
	require.NoError(t, h.w.SetLearner(registeringLearner()))
	h.backend.On("Register", mock.Anything, mock.Anything).
		Return(&backend.AuthResponse{RequiresVerification: true, User: model.Account{ID: "acc-2"}}, nil)
	h.backend.On("Me", mock.Anything, "", "jo@example.com").
		Return(&model.Account{ID: "acc-2", Email: "jo@example.com"}, nil)
	require.NoError(t, h.w.Next(ctx))
	require.Equal(t, model.AuthAwaitingVerification, h.w.Snapshot().Session.AuthState)
	h.w.Close()

	b := h.swapBackend()
	b.On("Me", mock.Anything, "", "jo@example.com").
		Return(&model.Account{ID: "acc-2", Email: "jo@example.com", Verified: true}, nil)
	verified := make(chan struct{}, 1)
	h.bus.Subscribe(events.TypeVerified, func(events.Event) error {
		verified <- struct{}{}
		return nil
	})

	w := h.newWizard(t)
	require.NoError(t, w.Mount(ctx))
	select {
	case <-verified:
	case <-time.After(2 * time.Second):
		t.Fatal("verification was not observed")
	}

	snap := w.Snapshot()
	assert.Equal(t, StepIdentify, snap.Step)
	assert.Equal(t, model.AuthGuest, snap.Session.AuthState)
	assert.Equal(t, model.AuthModeLogin, snap.Session.AuthMode)
	assert.Equal(t, verifiedLoginBanner, snap.Banner)
	assert.Empty(t, snap.Session.PendingEmail)
	assert.Empty(t, snap.Session.Learner.ID)
	b.AssertNotCalled(t, "Login", mock.Anything, mock.Anything)

	b.On("Login", mock.Anything, backend.LoginRequest{Email: "jo@example.com", Password: "secret1"}).
		Return(&backend.AuthResponse{Token: "tok-2", User: model.Account{ID: "acc-2", Email: "jo@example.com"}}, nil)
	require.NoError(t, w.SetLearner(model.LearnerDetails{Email: "jo@example.com", Password: "secret1"}))
	require.NoError(t, w.Next(ctx))
	assert.Equal(t, StepPay, w.Snapshot().Step)
}

func TestWizard_FailedLoginAfterVerificationRequiresLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.toSchedule(t, model.PackageTenHours)
	require.NoError(t, h.w.Next(ctx))
	require.NoError(t, h.w.SetLearner(registeringLearner()))
	h.backend.On("Register", mock.Anything, mock.Anything).
		Return(&backend.AuthResponse{RequiresVerification: true, User: model.Account{ID: "acc-2"}}, nil)
	h.backend.On("Me", mock.Anything, "", "jo@example.com").
		Return(&model.Account{ID: "acc-2", Email: "jo@example.com", Verified: true}, nil)
	h.backend.On("Login", mock.Anything, mock.Anything).
		Return(nil, &backend.HTTPError{Status: 503, Message: "Service unavailable"})
	verified := make(chan struct{}, 1)
	h.bus.Subscribe(events.TypeVerified, func(events.Event) error {
		verified <- struct{}{}
		return nil
	})

	require.NoError(t, h.w.Next(ctx))
	select {
	case <-verified:
	case <-time.After(2 * time.Second):
		t.Fatal("verification was not observed")
	}

	snap := h.w.Snapshot()
	assert.Equal(t, StepIdentify, snap.Step)
	assert.Equal(t, model.AuthModeLogin, snap.Session.AuthMode)
	assert.Equal(t, verifiedLoginBanner, snap.Banner)
	rec, err := h.auth.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestWizard_LoginWithoutTokenStaysOnIdentify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.toSchedule(t, model.PackageTenHours)
	require.NoError(t, h.w.Next(ctx))
	require.NoError(t, h.w.SetAuthMode(model.AuthModeLogin))
	require.NoError(t, h.w.SetLearner(model.LearnerDetails{Email: "jo@example.com", Password: "secret1"}))
	h.backend.On("Login", mock.Anything, mock.Anything).
		Return(&backend.AuthResponse{User: model.Account{ID: "acc-9"}}, nil)

	require.ErrorIs(t, h.w.Next(ctx), errNoToken)
	snap := h.w.Snapshot()
	assert.Equal(t, StepIdentify, snap.Step)
	assert.Equal(t, model.AuthGuest, snap.Session.AuthState)
	assert.Equal(t, signInAgainBanner, snap.Banner)
}

func TestWizard_MutationsBeforeMount(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.w.SelectPackage(model.PackageTenHours, 0), ErrNotMounted)
	assert.ErrorIs(t, h.w.Back(), ErrNotMounted)
}

func TestWizard_InstructorLookupFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.ExpectedCalls = nil
	h.backend.On("GetInstructor", mock.Anything, instructorID).
		Return(nil, &backend.HTTPError{Status: 404, Message: "Instructor not found"})

	err := h.w.Mount(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Instructor not found", h.w.Snapshot().Banner)
	assert.ErrorIs(t, h.w.Next(context.Background()), ErrNotMounted)
}

// toPay takes a logged-in learner to the payment step with one lesson scheduled.
func (h *harness) toPay(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.auth.Save(ctx, session.AuthRecord{AccountID: "acc-1", Token: "tok"}))
	h.backend.On("Me", mock.Anything, "tok", "").
		Return(&model.Account{ID: "acc-1", Email: "sam@example.com", Verified: true}, nil)
	h.toSchedule(t, model.PackageTenHours)
	h.expectDay(lessonDate)
	h.scheduleOne(t, "9:00 AM")
	require.NoError(t, h.w.Next(ctx))
	require.Equal(t, StepPay, h.w.Snapshot().Step)
}

func TestWizard_DeclineKeepsPaymentStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.toPay(t)

	h.payer.On("Pay", mock.Anything, mock.Anything).
		Return(nil, &payment.DeclineError{Category: payment.DeclineInsufficientFunds}).Once()
	h.payer.On("Pay", mock.Anything, mock.Anything).
		Return(&payment.Receipt{Attempt: model.PaymentAttempt{Amount: 74160}}, nil).Once()

	err := h.w.Pay(ctx, payment.Card{PaymentMethodID: "pm_1"})
	_, ok := payment.IsDeclineError(err)
	require.True(t, ok)
	snap := h.w.Snapshot()
	assert.Equal(t, StepPay, snap.Step)
	assert.Contains(t, snap.Banner, "insufficient funds")

	require.NoError(t, h.w.Pay(ctx, payment.Card{PaymentMethodID: "pm_2"}))
	assert.Equal(t, StepComplete, h.w.Snapshot().Step)
}

func TestWizard_PayRequiresCard(t *testing.T) {
	h := newHarness(t)
	h.toPay(t)

	ve, ok := IsValidationError(h.w.Pay(context.Background(), payment.Card{}))
	require.True(t, ok)
	assert.Contains(t, ve.Fields, "card")
	h.payer.AssertNotCalled(t, "Pay", mock.Anything, mock.Anything)
}

func TestWizard_PartialCommitEndsCheckout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.toPay(t)

	pc := &payment.PartialCommitError{
		InstructorID:   instructorID,
		PaymentID:      "pi_1",
		Committed:      []payment.CommittedLesson{{LessonID: "l1", BookingID: "bk-1"}},
		FailedLessonID: "l2",
		Cause:          &backend.HTTPError{Status: 409, Message: "slot taken"},
		NotAttempted:   []string{"l3"},
	}
	h.payer.On("Pay", mock.Anything, mock.Anything).Return(nil, pc)

	var partial []events.PartialCommit
	h.bus.Subscribe(events.TypePartialCommit, func(ev events.Event) error {
		var p events.PartialCommit
		require.NoError(t, ev.Decode(&p))
		partial = append(partial, p)
		return nil
	})

	err := h.w.Pay(ctx, payment.Card{PaymentMethodID: "pm_1"})
	got, ok := payment.IsPartialCommitError(err)
	require.True(t, ok)
	assert.Same(t, pc, got)

	snap := h.w.Snapshot()
	assert.Equal(t, StepComplete, snap.Step)
	assert.Same(t, pc, snap.Partial)
	assert.Contains(t, snap.Banner, "1 of 3 lessons were booked")
	require.Len(t, partial, 1)
	assert.Equal(t, []string{"bk-1"}, partial[0].Committed)

	_, err = h.kv.Get(ctx, namespace+":checkout")
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.ErrorIs(t, h.w.Pay(ctx, payment.Card{PaymentMethodID: "pm_1"}), ErrWrongStep)
}
