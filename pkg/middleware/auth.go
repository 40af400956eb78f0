package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/logger"
)

// Auth requires an operator token on mutating requests. The token is read
// from "Authorization: Bearer <token>" or X-API-Key. Reads pass through,
// and an empty token list disables the check.
func Auth(tokens []string) func(http.Handler) http.Handler {
	hashes := make([][32]byte, 0, len(tokens))
	for _, t := range tokens {
		if t != "" {
			hashes = append(hashes, sha256.Sum256([]byte(t)))
		}
	}
	return func(next http.Handler) http.Handler {
		if len(hashes) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			token := callerToken(r)
			if token == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing API token")
				return
			}
			sum := sha256.Sum256([]byte(token))
			for _, h := range hashes {
				if subtle.ConstantTimeCompare(sum[:], h[:]) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			logger.FromContext(r.Context()).Warn("rejected API token", "method", r.Method, "path", r.URL.Path)
			writeJSONError(w, http.StatusUnauthorized, "invalid API token")
		})
	}
}

func callerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.Header.Get("X-API-Key")
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
