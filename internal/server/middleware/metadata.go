package middleware

import (
	"context"
	"net"
	"net/http"
	"regexp"
)

type contextKey string

const reqMetaKey = contextKey("r-metadata")

type RequestMetadata struct {
	IP   string
	Room string
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// creates and injects the RequestMetadata struct into the request.
// **This should be the first middleware in the chain.**
func RequestMetadataMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta := &RequestMetadata{}

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr // Fallback
			}
			reqMeta.IP = ip
			ctx := context.WithValue(r.Context(), reqMetaKey, reqMeta)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

var roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RequireRoom validates the {room} path value and records it in the
// request metadata. It must wrap a handler registered on a ServeMux
// pattern with a {room} wildcard.
func RequireRoom() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := r.PathValue("room")
			if !roomNamePattern.MatchString(name) {
				http.Error(w, "Invalid room name", http.StatusBadRequest)
				return
			}
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				reqMeta.Room = name
			}
			next.ServeHTTP(w, r)
		})
	}
}
