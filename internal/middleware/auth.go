package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// RequireToken admits requests whose bearer token matches tokenHash, a
// bcrypt hash. With an empty hash every request is refused, which keeps
// write routes closed until an operator sets one.
func RequireToken(tokenHash string) func(http.Handler) http.Handler {
	hash := []byte(strings.TrimSpace(tokenHash))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(hash) == 0 {
				jsonError(w, http.StatusForbidden, "writes are disabled")
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="agendaweek"`)
				jsonError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="agendaweek", error="invalid_token"`)
				jsonError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
