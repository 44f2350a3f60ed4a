package wizard

import (
	"context"
	"errors"
	"strings"

	"lessonbook/internal/backend"
	"lessonbook/internal/events"
	"lessonbook/internal/model"
	"lessonbook/internal/session"
)

const learnerRole = "learner"

// errNoToken is returned when a login succeeds without issuing a token.
var errNoToken = errors.New("wizard: login returned no token")

const (
	signInAgainBanner   = "We couldn't sign you in. Please try again."
	verifiedLoginBanner = "Your email is verified. Log in to continue."
)

// SubmitLogin validates the login form and signs the learner in. On success the wizard moves to payment.
func (w *Wizard) SubmitLogin(ctx context.Context) error {
	w.mu.Lock()
	if err := w.beginIdentify(); err != nil {
		w.mu.Unlock()
		return err
	}
	learner := w.sess.Learner
	if errs := validateLogin(w.validate, learner); errs != nil {
		w.fieldErrors = errs
		w.mu.Unlock()
		return &ValidationError{Fields: errs}
	}
	w.busy = true
	w.banner = ""
	gen := w.gen
	w.mu.Unlock()

	resp, err := w.deps.Backend.Login(ctx, backend.LoginRequest{
		Email:    strings.TrimSpace(learner.Email),
		Password: learner.Password,
	})

	w.mu.Lock()
	defer w.unlockAndFlush()
	w.busy = false
	if w.closed || w.gen != gen {
		return ErrClosed
	}
	if err != nil {
		w.banner = bannerFor(err)
		w.logger.Info().Err(err).Msg("login failed")
		return err
	}
	if resp.Token == "" {
		w.banner = signInAgainBanner
		w.logger.Warn().Str("account_id", resp.User.ID).Msg("login returned no token")
		return errNoToken
	}
	w.establish(resp, model.AuthLoggedIn)
	return nil
}

// SubmitRegister validates the registration form and creates the account. When the backend requires
// email verification the wizard waits on the identify step and polls until the account is verified.
func (w *Wizard) SubmitRegister(ctx context.Context) error {
	w.mu.Lock()
	if err := w.beginIdentify(); err != nil {
		w.mu.Unlock()
		return err
	}
	learner := w.sess.Learner
	if errs := validateRegister(w.validate, learner); errs != nil {
		w.fieldErrors = errs
		w.mu.Unlock()
		return &ValidationError{Fields: errs}
	}
	w.busy = true
	w.banner = ""
	w.sess.AuthState = model.AuthRegistering
	gen := w.gen
	w.mu.Unlock()

	email := strings.TrimSpace(learner.Email)
	resp, err := w.deps.Backend.Register(ctx, backend.RegisterRequest{
		FirstName:      strings.TrimSpace(learner.FirstName),
		LastName:       strings.TrimSpace(learner.LastName),
		Email:          email,
		Phone:          strings.TrimSpace(learner.Phone),
		Password:       learner.Password,
		Role:           learnerRole,
		MarketingOptIn: learner.MarketingOptIn,
	})

	w.mu.Lock()
	defer w.unlockAndFlush()
	w.busy = false
	if w.closed || w.gen != gen {
		return ErrClosed
	}
	if err != nil {
		w.sess.AuthState = model.AuthGuest
		w.banner = bannerFor(err)
		w.logger.Info().Err(err).Msg("registration failed")
		return err
	}

	if resp.RequiresVerification || resp.Token == "" {
		w.sess.AuthState = model.AuthAwaitingVerification
		w.sess.PendingEmail = email
		w.poller.Start(w.ctx, w.onVerified)
		w.logger.Info().Msg("registration awaiting email verification")
		w.persist()
		return nil
	}
	w.establish(resp, model.AuthVerified)
	return nil
}

// beginIdentify checks an identify submission may start. Caller holds mu.
func (w *Wizard) beginIdentify() error {
	if err := w.beginMutation(); err != nil {
		return err
	}
	if w.step != StepIdentify || w.sess.AuthState == model.AuthAwaitingVerification {
		return ErrWrongStep
	}
	return nil
}

// establish records an authenticated account and moves on to payment. Caller holds mu.
func (w *Wizard) establish(resp *backend.AuthResponse, state model.AuthState) {
	w.token = resp.Token
	w.sess.Learner.ID = resp.User.ID
	if resp.User.Email != "" {
		w.sess.Learner.Email = resp.User.Email
	}
	w.sess.Learner.Password = ""
	w.sess.Learner.ConfirmPassword = ""
	w.sess.AuthState = state
	w.sess.PendingEmail = ""
	w.saveAuth(resp.User.Role)

	w.logger.Info().Str("account_id", resp.User.ID).Str("auth_state", string(state)).Msg("learner identified")
	if w.step == StepIdentify {
		w.moveTo(StepPay)
	}
	w.persist()
}

// saveAuth stores the current token for later visits. Caller holds mu.
func (w *Wizard) saveAuth(role string) {
	if w.deps.Auth == nil || w.token == "" {
		return
	}
	if role == "" {
		role = learnerRole
	}
	err := w.deps.Auth.Save(w.ctx, session.AuthRecord{
		AccountID: w.sess.Learner.ID,
		Email:     w.sess.Learner.Email,
		Role:      role,
		Token:     w.token,
	})
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to save auth record")
	}
}

// checkVerified is the poller's check: it asks the backend whether the pending account is verified.
func (w *Wizard) checkVerified(ctx context.Context) (model.Account, bool, error) {
	w.mu.Lock()
	email := w.sess.PendingEmail
	w.mu.Unlock()
	if email == "" {
		return model.Account{}, false, nil
	}

	acct, err := w.deps.Backend.Me(ctx, "", email)
	if err != nil {
		return model.Account{}, false, err
	}
	return *acct, acct.Verified, nil
}

// onVerified runs on the poller goroutine once the account is verified. Payment needs a token, so the
// password typed during registration is used to log in. When it is gone (the checkout was reloaded) or
// the login fails, the learner is sent to the login form instead.
func (w *Wizard) onVerified(acct model.Account) {
	w.mu.Lock()
	if w.closed || w.sess.AuthState != model.AuthAwaitingVerification {
		w.mu.Unlock()
		return
	}
	if acct.Email != "" {
		w.sess.Learner.Email = acct.Email
	}
	email, password := w.sess.Learner.Email, w.sess.Learner.Password
	gen := w.gen
	if password == "" {
		w.requireLogin(acct, verifiedLoginBanner)
		w.unlockAndFlush()
		return
	}
	w.mu.Unlock()

	resp, err := w.deps.Backend.Login(w.ctx, backend.LoginRequest{Email: email, Password: password})

	w.mu.Lock()
	defer w.unlockAndFlush()
	if w.closed || w.gen != gen || w.sess.AuthState != model.AuthAwaitingVerification {
		return
	}
	if err != nil || resp.Token == "" {
		w.logger.Warn().Err(err).Msg("login after verification failed")
		w.requireLogin(acct, verifiedLoginBanner)
		return
	}
	w.emit(events.TypeVerified, events.Verified{InstructorID: w.instructorID, AccountID: resp.User.ID})
	w.establish(resp, model.AuthVerified)
}

// requireLogin switches a verified account without a token to the login form. Caller holds mu.
func (w *Wizard) requireLogin(acct model.Account, banner string) {
	w.sess.Learner.ID = ""
	w.sess.Learner.Password = ""
	w.sess.Learner.ConfirmPassword = ""
	w.sess.AuthState = model.AuthGuest
	w.sess.AuthMode = model.AuthModeLogin
	w.sess.PendingEmail = ""
	w.banner = banner
	w.emit(events.TypeVerified, events.Verified{InstructorID: w.instructorID, AccountID: acct.ID})
	w.logger.Info().Str("account_id", acct.ID).Msg("account verified; login required")
	w.persist()
}
