// Package backend is the REST client for the marketplace backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"lessonbook/internal/metrics"
	"lessonbook/internal/model"
)

// ErrNetwork wraps transport failures: the request never produced an HTTP response.
var ErrNetwork = errors.New("network error")

// HTTPError is a non-2xx response.
type HTTPError struct {
	Status  int
	Message string
	Body    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d", e.Status)
}

// IsHTTPError reports whether err is an *HTTPError and returns it.
func IsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// IsNetworkError reports whether err is a transport failure.
func IsNetworkError(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// Client calls the backend REST surface.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zerolog.Logger
	metrics    *metrics.Metrics

	redis    *redis.Client
	cacheTTL time.Duration
}

// NewClient constructs a client for baseURL. timeout bounds each request.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zerolog.Logger) *Client {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// UseRedisCache configures Redis caching for instructor lookups.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

// UseRateLimit bounds outgoing requests to perSecond with the given burst.
func (c *Client) UseRateLimit(perSecond float64, burst int) {
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// GetInstructor fetches the instructor profile. Results are cached when Redis is configured.
func (c *Client) GetInstructor(ctx context.Context, id string) (*model.Instructor, error) {
	endpoint := fmt.Sprintf("%s/api/instructors/%s", c.baseURL, url.PathEscape(id))
	cacheKey := "instructor:" + id
	var resp model.Instructor

	if c.readCache(ctx, cacheKey, &resp) {
		return &resp, nil
	}
	if err := c.doGet(ctx, "instructor", endpoint, "", &resp); err != nil {
		return nil, err
	}
	c.writeCache(ctx, cacheKey, resp)
	return &resp, nil
}

// GetAvailability fetches availability days in [from, to] (YYYY-MM-DD).
func (c *Client) GetAvailability(ctx context.Context, instructorID, from, to string) ([]model.AvailabilityDay, error) {
	q := url.Values{}
	q.Set("from", from)
	q.Set("to", to)
	endpoint := fmt.Sprintf("%s/api/availability/%s?%s", c.baseURL, url.PathEscape(instructorID), q.Encode())

	var resp []model.AvailabilityDay
	if err := c.doGet(ctx, "availability", endpoint, "", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetInstructorBookings fetches the instructor's bookings for conflict detection.
func (c *Client) GetInstructorBookings(ctx context.Context, instructorID string) ([]model.ExistingBooking, error) {
	endpoint := fmt.Sprintf("%s/api/bookings/instructor/%s", c.baseURL, url.PathEscape(instructorID))
	var resp []model.ExistingBooking
	if err := c.doGet(ctx, "instructor_bookings", endpoint, "", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetLearnerBookings fetches a learner's upcoming bookings, or past ones when history is set.
func (c *Client) GetLearnerBookings(ctx context.Context, token, learnerID string, history bool) ([]model.ExistingBooking, error) {
	which := "upcoming"
	if history {
		which = "history"
	}
	endpoint := fmt.Sprintf("%s/api/bookings/learner/%s/%s", c.baseURL, url.PathEscape(learnerID), which)
	var resp []model.ExistingBooking
	if err := c.doGet(ctx, "learner_bookings", endpoint, token, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RegisterRequest is the body of POST /api/auth/register.
type RegisterRequest struct {
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	Password       string `json:"password"`
	Role           string `json:"role"`
	MarketingOptIn bool   `json:"marketingOptIn"`
}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is returned by register and login. Token is empty when the account still needs
// email verification.
type AuthResponse struct {
	Token                string        `json:"token,omitempty"`
	User                 model.Account `json:"user"`
	RequiresVerification bool          `json:"requiresVerification,omitempty"`
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.doPost(ctx, "register", c.baseURL+"/api/auth/register", "", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.doPost(ctx, "login", c.baseURL+"/api/auth/login", "", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Me returns the account behind token. Without a token, email identifies an account awaiting
// verification.
func (c *Client) Me(ctx context.Context, token, email string) (*model.Account, error) {
	endpoint := c.baseURL + "/api/auth/me"
	if token == "" && email != "" {
		endpoint += "?email=" + url.QueryEscape(email)
	}
	var wrap struct {
		User  model.Account `json:"user"`
		Token string        `json:"token,omitempty"`
	}
	if err := c.doGet(ctx, "me", endpoint, token, &wrap); err != nil {
		return nil, err
	}
	return &wrap.User, nil
}

// PaymentIntentRequest is the body of POST /api/payment/create-payment-intent.
type PaymentIntentRequest struct {
	Amount   int64             `json:"amount"` // cents
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

// PaymentIntent is the authorization returned by the backend.
type PaymentIntent struct {
	ID           string `json:"paymentIntentId"`
	ClientSecret string `json:"clientSecret"`
}

func (c *Client) CreatePaymentIntent(ctx context.Context, token string, req PaymentIntentRequest) (*PaymentIntent, error) {
	var resp PaymentIntent
	if err := c.doPost(ctx, "payment_intent", c.baseURL+"/api/payment/create-payment-intent", token, "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BookingRequest is the body of POST /api/bookings.
type BookingRequest struct {
	InstructorID  string  `json:"instructorId"`
	LearnerID     string  `json:"learnerId"`
	Date          string  `json:"date"`
	StartTime     string  `json:"startTime"`
	EndTime       string  `json:"endTime"`
	Duration      float64 `json:"duration"`
	PickupSuburb  string  `json:"pickupSuburb"`
	PickupAddress string  `json:"pickupAddress"`
	PaymentID     string  `json:"paymentIntentId"`
	Pricing       Pricing `json:"pricing"`
}

// Pricing is the per-booking price breakdown in cents.
type Pricing struct {
	HourlyRate    int64 `json:"hourlyRate"`
	Subtotal      int64 `json:"subtotal"`
	Discount      int64 `json:"discount"`
	ProcessingFee int64 `json:"processingFee"`
	Total         int64 `json:"total"`
}

// CreateBooking creates one booking. idempotencyKey is sent as the Idempotency-Key header.
func (c *Client) CreateBooking(ctx context.Context, token, idempotencyKey string, req BookingRequest) (*model.ExistingBooking, error) {
	var resp model.ExistingBooking
	if err := c.doPost(ctx, "create_booking", c.baseURL+"/api/bookings", token, idempotencyKey, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return false
	}
	return true
}

func (c *Client) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.cacheTTL).Err(); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func (c *Client) doGet(ctx context.Context, op, endpoint, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	c.addHeaders(req, token)
	return c.do(op, req, out)
}

func (c *Client) doPost(ctx context.Context, op, endpoint, token, idempotencyKey string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	c.addHeaders(req, token)
	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrNetwork, op, err)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveBackend(op, "error", time.Since(start).Seconds())
		return fmt.Errorf("%w: %s: %v", ErrNetwork, op, err)
	}
	defer resp.Body.Close()
	c.metrics.ObserveBackend(op, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		he := &HTTPError{Status: resp.StatusCode, Body: string(body)}
		var msg struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(body, &msg) == nil {
			he.Message = msg.Message
			if he.Message == "" {
				he.Message = msg.Error
			}
		}
		c.logger.Debug().Str("op", op).Int("status", resp.StatusCode).Msg("backend request rejected")
		return he
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) addHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
