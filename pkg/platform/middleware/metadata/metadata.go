// Package metadata resolves the client address and User-Agent of a request.
package metadata

import (
	"net"
	"net/http"
	"strings"

	"kycgate/pkg/requestcontext"
)

// UnknownClient is the identifier used when no address can be determined.
const UnknownClient = "unknown"

// ClientMetadata stores the client address and User-Agent in the request
// context. Apply it before rate limiting and authentication.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithClientMetadata(r.Context(), ClientIPFromRequest(r), r.Header.Get("User-Agent"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIPFromRequest prefers the first X-Forwarded-For entry, then X-Real-IP,
// then the connection address, and finally UnknownClient.
func ClientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	if addr := r.RemoteAddr; addr != "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			return host
		}
		return addr
	}

	return UnknownClient
}
