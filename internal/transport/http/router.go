package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"kycgate/internal/platform/metrics"
	dErrors "kycgate/pkg/domain-errors"
	"kycgate/pkg/platform/httputil"
	"kycgate/pkg/platform/middleware/admin"
	"kycgate/pkg/platform/middleware/auth"
	"kycgate/pkg/platform/middleware/metadata"
	request "kycgate/pkg/platform/middleware/request"
	"kycgate/pkg/platform/middleware/requesttime"
)

// RegistrationRoutes is the registration handler split by access level.
type RegistrationRoutes interface {
	Register(r chi.Router)
	RegisterUserRoutes(r chi.Router)
}

// VerificationRoutes is the verification handler split by access level.
type VerificationRoutes interface {
	RegisterUserRoutes(r chi.Router)
	RegisterWebhookRoutes(r chi.Router)
	RegisterAdminRoutes(r chi.Router)
}

// Deps are the assembled collaborators the router mounts. Nil RateLimit
// disables limiting, empty AllowedOrigins disables CORS and nil Clock uses
// time.Now.
type Deps struct {
	Logger         *slog.Logger
	Clock          func() time.Time
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	RateLimit      func(http.Handler) http.Handler
	Tokens         auth.TokenValidator
	Auditor        auth.AuditPublisher
	AdminKey       *admin.KeyVerifier
	Registration   RegistrationRoutes
	Verification   VerificationRoutes
	Health         *HealthHandler
}

// corsOptions lets a browser front end call the API from another origin.
// Preflights are answered here, before rate limiting and authentication.
func corsOptions(origins []string) cors.Options {
	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", admin.HeaderAdminKey, request.HeaderRequestID},
		ExposedHeaders: []string{
			request.HeaderRequestID,
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"X-RateLimit-Reset",
			"Retry-After",
		},
		MaxAge: 600,
	}
}

// NewRouter wires every public endpoint under /api.
func NewRouter(d Deps) http.Handler {
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}

	r := chi.NewRouter()

	r.Use(request.RequestID)
	r.Use(requesttime.MiddlewareWithClock(clock))
	r.Use(metadata.ClientMetadata)
	r.Use(request.AccessLog(d.Logger))
	r.Use(request.Recover(d.Logger))
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}
	if len(d.AllowedOrigins) > 0 {
		r.Use(cors.Handler(corsOptions(d.AllowedOrigins)))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{
			"error": "method_not_allowed",
		})
	})

	r.Route("/api", func(r chi.Router) {
		if d.RateLimit != nil {
			r.Use(d.RateLimit)
		}

		r.Get("/health", d.Health.ServeHTTP)
		d.Registration.Register(r)
		d.Verification.RegisterWebhookRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(d.Tokens, d.Auditor, d.Logger))
			d.Registration.RegisterUserRoutes(r)
			d.Verification.RegisterUserRoutes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(admin.RequireAdminKey(d.AdminKey, d.Logger))
			d.Verification.RegisterAdminRoutes(r)
			if d.Metrics != nil {
				r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
			}
		})
	})

	return r
}
