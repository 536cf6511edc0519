package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"kycgate/internal/ratelimit/metrics"
	"kycgate/internal/ratelimit/models"
	"kycgate/internal/ratelimit/store/window"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/circuit"
	metadata "kycgate/pkg/platform/middleware/metadata"
	"kycgate/pkg/platform/middleware/requesttime"
)

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAuditor) Emit(_ context.Context, e audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type failingStore struct{ calls int }

func (f *failingStore) Hit(context.Context, string, models.Limit, time.Time) (*models.Result, error) {
	f.calls++
	return nil, errors.New("redis: connection refused")
}

type RateLimitSuite struct {
	suite.Suite
	logger  *slog.Logger
	auditor *recordingAuditor
	metrics *metrics.Metrics
	now     time.Time
}

func TestRateLimitSuite(t *testing.T) {
	suite.Run(t, new(RateLimitSuite))
}

func (s *RateLimitSuite) SetupTest() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.auditor = &recordingAuditor{}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

func (s *RateLimitSuite) handler(limiter Admitter, opts ...Option) http.Handler {
	opts = append([]Option{WithAuditor(s.auditor), WithMetrics(s.metrics)}, opts...)
	mw := New(limiter, s.logger, opts...)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	clock := requesttime.MiddlewareWithClock(func() time.Time { return s.now })
	return clock(metadata.ClientMetadata(mw.RateLimit(ok)))
}

func (s *RateLimitSuite) do(h http.Handler, ip string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	r.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	return rr
}

func (s *RateLimitSuite) TestDeniesPastTheCeiling() {
	limiter := NewLimiter(window.NewInMemoryStore(), models.Limit{MaxRequests: 60, Window: time.Minute})
	h := s.handler(limiter)

	for i := 1; i <= 60; i++ {
		rr := s.do(h, "203.0.113.5")
		s.Require().Equal(http.StatusOK, rr.Code, "request %d", i)
	}
	last := s.do(h, "203.0.113.5")
	s.Equal("0", last.Header().Get("X-RateLimit-Remaining"))

	rr := s.do(h, "203.0.113.5")
	s.Equal(http.StatusTooManyRequests, rr.Code)
	s.Equal("60", rr.Header().Get("X-RateLimit-Limit"))
	s.Equal("60", rr.Header().Get("Retry-After"))

	var body map[string]string
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &body))
	s.Equal("rate_limited", body["error"])

	s.Require().Len(s.auditor.events, 2)
	s.Equal(string(audit.EventRateLimitExceeded), s.auditor.events[0].Action)
	s.Equal("203.0.113.5", s.auditor.events[0].ClientIP)
	s.Equal("more than 60 requests in window", s.auditor.events[0].Reason)
	s.Equal(60.0, promtestutil.ToFloat64(s.metrics.Decisions.WithLabelValues(metrics.DecisionAllowed)))
	s.Equal(2.0, promtestutil.ToFloat64(s.metrics.Decisions.WithLabelValues(metrics.DecisionDenied)))
}

func (s *RateLimitSuite) TestNewWindowAdmitsAgain() {
	limiter := NewLimiter(window.NewInMemoryStore(), models.Limit{MaxRequests: 1, Window: time.Minute})
	h := s.handler(limiter)

	s.Equal(http.StatusOK, s.do(h, "203.0.113.6").Code)
	s.Equal(http.StatusTooManyRequests, s.do(h, "203.0.113.6").Code)
	s.Equal(http.StatusOK, s.do(h, "203.0.113.7").Code, "other clients unaffected")

	s.now = s.now.Add(time.Minute + time.Second)
	s.Equal(http.StatusOK, s.do(h, "203.0.113.6").Code)
}

func (s *RateLimitSuite) TestStoreFailureFailsOpen() {
	limiter := NewLimiter(&failingStore{}, models.Limit{MaxRequests: 1, Window: time.Minute})
	h := s.handler(limiter)

	for range 3 {
		s.Equal(http.StatusOK, s.do(h, "203.0.113.8").Code)
	}
	s.Equal(3.0, promtestutil.ToFloat64(s.metrics.Decisions.WithLabelValues(metrics.DecisionError)))
}

func (s *RateLimitSuite) TestBreakerFallsBackToMemory() {
	primary := &failingStore{}
	lm := metrics.New(prometheus.NewRegistry())
	limiter := NewLimiter(primary, models.Limit{MaxRequests: 2, Window: time.Minute},
		WithFallback(circuit.New("test", circuit.WithFailureThreshold(2))),
		WithLimiterMetrics(lm),
		WithLimiterLogger(s.logger),
	)
	h := s.handler(limiter)

	s.Equal(http.StatusOK, s.do(h, "203.0.113.9").Code, "fails open before the breaker trips")

	rr := s.do(h, "203.0.113.9")
	s.Equal(http.StatusOK, rr.Code)
	s.Equal("degraded", rr.Header().Get("X-RateLimit-Status"))

	s.Equal(http.StatusOK, s.do(h, "203.0.113.9").Code)
	s.Equal(http.StatusTooManyRequests, s.do(h, "203.0.113.9").Code, "fallback enforces the limit")

	s.Equal(1.0, promtestutil.ToFloat64(lm.CircuitOpened))
	s.Equal(4.0, promtestutil.ToFloat64(lm.StoreErrors))
	s.Equal(4, primary.calls)
}

func (s *RateLimitSuite) TestDisabled() {
	limiter := NewLimiter(window.NewInMemoryStore(), models.Limit{MaxRequests: 1, Window: time.Minute})
	h := s.handler(limiter, WithDisabled(true))
	for range 5 {
		s.Equal(http.StatusOK, s.do(h, "203.0.113.10").Code)
	}
}
