package httpserver

import (
	"crypto/subtle"
	"net/http"

	apierrors "github.com/pixelforge/credits-server/internal/errors"
)

// bearerAuth protects a route group with a static API key. An empty key
// disables the check, matching how the metrics endpoint behaves when no
// admin key is configured.
func bearerAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			expected := "Bearer " + apiKey
			if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "invalid or missing API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
