// Package provider is the outbound client for the external KYC provider.
//
// Every request is signed with the app secret: X-App-Access-Sig carries the
// hex HMAC-SHA256 of ts + METHOD + path?query + body, sent alongside the app
// token and the unix timestamp. A call is attempted exactly once.
package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kycgate/internal/verification/metrics"
	"kycgate/internal/verification/models"
)

const (
	HeaderAppToken  = "X-App-Token"
	HeaderSignature = "X-App-Access-Sig"
	HeaderTimestamp = "X-App-Access-Ts"

	DefaultBaseURL        = "https://api.sumsub.com"
	DefaultTimeout        = 10 * time.Second
	DefaultAccessTokenTTL = time.Hour
	DefaultLevelName      = "basic-kyc-level"
	DefaultCountry        = "GBR"

	maxResponseBytes = 1 << 20
)

const (
	opCreateApplicant = "create_applicant"
	opAccessToken     = "access_token"
	opApplicantStatus = "applicant_status"
)

// Config holds provider credentials and request defaults.
type Config struct {
	BaseURL        string
	AppToken       string
	SecretKey      string
	Timeout        time.Duration
	LevelName      string
	AccessTokenTTL time.Duration
	Country        string

	HTTPClient *http.Client
}

// ApplicantRequest carries the identity fields sent on applicant creation.
type ApplicantRequest struct {
	ExternalUserID string
	Email          string
	Phone          string
	FirstName      string
	LastName       string
	DateOfBirth    time.Time
}

// AccessToken is a Web SDK token for one user.
type AccessToken struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) { c.tracer = tracer }
}

// WithClock overrides the clock used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.AppToken == "" || cfg.SecretKey == "" {
		return nil, errors.New("provider app token and secret key are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.LevelName == "" {
		cfg.LevelName = DefaultLevelName
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.Country == "" {
		cfg.Country = DefaultCountry
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		config:     cfg,
		httpClient: client,
		logger:     slog.Default(),
		tracer:     otel.Tracer("kycgate/verification/provider"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type docSet struct {
	IDDocSetType string   `json:"idDocSetType"`
	Types        []string `json:"types"`
}

type applicantBody struct {
	ExternalUserID string `json:"externalUserId"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	DOB            string `json:"dob"`
	Country        string `json:"country"`
	RequiredIDDocs struct {
		DocSets []docSet `json:"docSets"`
	} `json:"requiredIdDocs"`
}

// requiredDocSets asks for one identity document and a selfie.
func requiredDocSets() []docSet {
	return []docSet{
		{IDDocSetType: "IDENTITY", Types: []string{"PASSPORT", "ID_CARD", "DRIVERS"}},
		{IDDocSetType: "SELFIE", Types: []string{"SELFIE"}},
	}
}

// CreateApplicant registers a new applicant and returns the provider's id for it.
func (c *Client) CreateApplicant(ctx context.Context, req ApplicantRequest) (string, error) {
	body := applicantBody{
		ExternalUserID: req.ExternalUserID,
		Email:          req.Email,
		Phone:          req.Phone,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Country:        c.config.Country,
	}
	if !req.DateOfBirth.IsZero() {
		body.DOB = req.DateOfBirth.Format(time.DateOnly)
	}
	body.RequiredIDDocs.DocSets = requiredDocSets()

	payload, err := json.Marshal(body)
	if err != nil {
		return "", newError(ErrorInternal, opCreateApplicant, 0, "encode request", err)
	}

	path := "/resources/applicants?" + url.Values{"levelName": {c.config.LevelName}}.Encode()
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, opCreateApplicant, http.MethodPost, path, payload, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", newError(ErrorBadData, opCreateApplicant, http.StatusOK, "response has no applicant id", nil)
	}
	return resp.ID, nil
}

// AccessToken requests a Web SDK token for the given external user id.
func (c *Client) AccessToken(ctx context.Context, externalUserID string) (*AccessToken, error) {
	query := url.Values{
		"userId":    {externalUserID},
		"levelName": {c.config.LevelName},
		"ttlInSecs": {strconv.Itoa(int(c.config.AccessTokenTTL.Seconds()))},
	}
	var resp AccessToken
	if err := c.do(ctx, opAccessToken, http.MethodPost, "/resources/accessTokens?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, newError(ErrorBadData, opAccessToken, http.StatusOK, "response has no token", nil)
	}
	return &resp, nil
}

// ApplicantStatus fetches the current review of an applicant.
func (c *Client) ApplicantStatus(ctx context.Context, applicantID string) (*models.Review, error) {
	if applicantID == "" {
		return nil, newError(ErrorBadData, opApplicantStatus, 0, "applicant id is required", nil)
	}
	var review models.Review
	path := "/resources/applicants/" + url.PathEscape(applicantID) + "/status"
	if err := c.do(ctx, opApplicantStatus, http.MethodGet, path, nil, &review); err != nil {
		return nil, err
	}
	if review.ApplicantID == "" {
		review.ApplicantID = applicantID
	}
	return &review, nil
}

// Sign computes the request signature for ts, method, path with query and body.
func Sign(secret string, ts int64, method, pathWithQuery string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte(pathWithQuery))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type errorBody struct {
	Error       json.RawMessage `json:"error"`
	Description string          `json:"description"`
	Code        int             `json:"code"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "provider."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("provider.operation", op))

	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = string(CategoryOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			c.logger.WarnContext(ctx, "provider call failed",
				"operation", op,
				"category", outcome,
				"error", err,
			)
		}
		c.metrics.ObserveProviderRequest(op, outcome, time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return newError(ErrorInternal, op, 0, "build request", err)
	}
	ts := c.now().Unix()
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderAppToken, c.config.AppToken)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(c.config.SecretKey, ts, method, path, body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newError(classifyTransport(err), op, 0, "request failed", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return newError(classifyTransport(err), op, resp.StatusCode, "read response", err)
	}

	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newError(classifyStatus(resp.StatusCode), op, resp.StatusCode, describe(eb), nil)
	}
	if len(eb.Error) > 0 && string(eb.Error) != "null" {
		return newError(ErrorRejected, op, resp.StatusCode, describe(eb), nil)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return newError(ErrorBadData, op, resp.StatusCode, "decode response", err)
	}
	return nil
}

func describe(eb errorBody) string {
	if eb.Description != "" {
		return eb.Description
	}
	if len(eb.Error) > 0 {
		var s string
		if json.Unmarshal(eb.Error, &s) == nil {
			return s
		}
		return string(eb.Error)
	}
	return ""
}

func classifyStatus(status int) ErrorCategory {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorAuthentication
	case status == http.StatusNotFound:
		return ErrorNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrorTimeout
	case status >= 500 || status == http.StatusTooManyRequests:
		return ErrorUnavailable
	default:
		return ErrorRejected
	}
}

func classifyTransport(err error) ErrorCategory {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTimeout
	}
	return ErrorUnavailable
}
