package middleware

import (
	"log/slog"
	"net/http"
)

// PanelCounter reports how many panels other than the requesting one are
// connected to the request's room.
type PanelCounter func(r *http.Request) (int, error)

// NewConnectionLimiter refuses panel upgrades once a room holds
// maxPerRoom panels. A panel reconnecting under its own id is not
// counted against itself. maxPerRoom <= 0 disables the limit.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter PanelCounter,
	maxPerRoom int,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxPerRoom <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok || reqMeta.Room == "" {
				logger.Error("Connection limiter could not find the room in request metadata. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			count, err := counter(r)
			if err != nil {
				logger.Error("Connection limiter failed to get panel count", slog.Any("error", err))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if count < maxPerRoom {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("Room panel limit reached", slog.String("room", reqMeta.Room), slog.Int("count", count))
			http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
		})
	}
}
