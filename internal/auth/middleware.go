// Package auth provides HTTP middleware for bearer token authentication.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/containerd/log"
)

const bearerPrefix = "Bearer "

// NewAuthMiddleware returns middleware requiring
//
//	Authorization: Bearer <token>
//
// on every request. The prefix is case-sensitive and takes exactly one
// space. An empty token disables authentication.
func NewAuthMiddleware(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			provided, ok := strings.CutPrefix(header, bearerPrefix)
			if !ok || provided == "" || subtle.ConstantTimeCompare([]byte(provided), want) != 1 {
				log.G(r.Context()).WithField("remote", r.RemoteAddr).WithField("path", r.URL.Path).Debug("rejected unauthenticated request")
				w.Header().Set("WWW-Authenticate", `Bearer realm="vmnetsync"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
