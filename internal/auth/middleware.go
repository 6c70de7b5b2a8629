package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Middleware authenticates Bearer tokens and puts the user id on the
// request context; every mutating call downstream reads the actor from
// there instead of any process-global state.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(raw, "Bearer ") {
				unauthorized(w)
				return
			}
			userID, err := ParseToken(secret, strings.TrimPrefix(raw, "Bearer "))
			if err != nil {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}
