package chatapi

import (
	"net/http"

	"tandem/cmd/internal/auth/session"
)

// requireAuth verifies the bearer credential and stores its claims in the
// request context.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := session.TokenFromRequest(r)
		if tok == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		claims, err := h.auth.ValidateAccessToken(r.Context(), tok, h.now().UTC())
		if err != nil {
			if session.IsAuthError(err) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
				return
			}
			h.log.Error("chat.auth.fail", "err", err)
			writeError(w, http.StatusServiceUnavailable, "auth_unavailable", "please retry later")
			return
		}

		next.ServeHTTP(w, r.WithContext(session.WithClaims(r.Context(), claims)))
	})
}

func userID(r *http.Request) string {
	c, _ := session.ClaimsFrom(r.Context())
	return c.UserID
}
