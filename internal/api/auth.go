package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// requireToken rejects requests without the configured bearer token. An
// empty token disables the check. Browsers cannot set headers on
// EventSource or WebSocket, so a ?token= query parameter is accepted too.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !validToken(c.Request, s.token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func validToken(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		got = strings.TrimPrefix(auth, "Bearer ")
	}
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// originAllowed accepts requests without an Origin, origins listed in
// allowed (full origin or bare host), and same-host origins when allowed
// is empty.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		return false
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if strings.EqualFold(origin, a) || strings.EqualFold(parsed.Hostname(), a) {
				return true
			}
		}
		return false
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(r.Host); err == nil {
		host = h
	}
	return strings.EqualFold(parsed.Hostname(), host)
}
