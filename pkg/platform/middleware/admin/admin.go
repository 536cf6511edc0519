// Package admin gates operator routes behind a shared admin key.
package admin

import (
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	dErrors "kycgate/pkg/domain-errors"
	"kycgate/pkg/platform/httputil"
	request "kycgate/pkg/platform/middleware/request"
)

const HeaderAdminKey = "X-Admin-Key"

// KeyVerifier checks presented admin keys against a bcrypt hash. The plain
// key is never kept in memory after construction.
type KeyVerifier struct {
	hash []byte
}

// NewKeyVerifier prefers a configured bcrypt hash and otherwise hashes the
// plain key. With neither configured every key is refused.
func NewKeyVerifier(plainKey, bcryptHash string) (*KeyVerifier, error) {
	switch {
	case bcryptHash != "":
		if _, err := bcrypt.Cost([]byte(bcryptHash)); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "admin key hash is not a bcrypt hash")
		}
		return &KeyVerifier{hash: []byte(bcryptHash)}, nil
	case plainKey != "":
		hash, err := bcrypt.GenerateFromPassword([]byte(plainKey), bcrypt.DefaultCost)
		if err != nil {
			if errors.Is(err, bcrypt.ErrPasswordTooLong) {
				return nil, dErrors.New(dErrors.CodeInvalidInput, "admin key is too long")
			}
			return nil, err
		}
		return &KeyVerifier{hash: hash}, nil
	default:
		return &KeyVerifier{}, nil
	}
}

func (v *KeyVerifier) Enabled() bool { return len(v.hash) > 0 }

func (v *KeyVerifier) Verify(key string) bool {
	if !v.Enabled() || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(v.hash, []byte(key)) == nil
}

// RequireAdminKey rejects requests whose X-Admin-Key does not verify.
func RequireAdminKey(verifier *KeyVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !verifier.Verify(r.Header.Get(HeaderAdminKey)) {
				ctx := r.Context()
				logger.WarnContext(ctx, "admin key mismatch",
					"request_id", request.GetRequestID(ctx),
					"path", r.URL.Path,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "admin key required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
