package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/utafrali/storefront/internal/identity"
	"github.com/utafrali/storefront/internal/session"
	apperrors "github.com/utafrali/storefront/pkg/errors"
	"github.com/utafrali/storefront/pkg/httputil"
	"github.com/utafrali/storefront/pkg/logger"
	"github.com/utafrali/storefront/pkg/middleware"
)

// SessionSource resolves the session of a device.
type SessionSource interface {
	Get(deviceID string) (*session.Session, error)
}

type contextKey string

const sessionKey contextKey = "session"

// ResolveSession loads the device's session and applies the request's
// identity to it. Mount it after OptionalAuth and RequireDevice.
func ResolveSession(sessions SessionSource, l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			deviceID := logger.DeviceIDFromContext(ctx)

			s, err := sessions.Get(deviceID)
			if err != nil {
				if errors.Is(err, session.ErrClosed) {
					err = apperrors.Unavailable("storefront is shutting down", err)
				}
				httputil.WriteError(w, r, err, l)
				return
			}

			id := identity.FromClaims(middleware.ClaimsFromContext(ctx))
			if err := s.SetIdentity(ctx, id); err != nil {
				logger.FromContext(ctx).WarnContext(ctx, "failed to apply identity",
					slog.Bool("anonymous", id.Anonymous()),
					slog.String("error", err.Error()),
				)
				httputil.WriteError(w, r, apperrors.Unavailable("collection backend unavailable", err), l)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, sessionKey, s)))
		})
	}
}

func sessionFromContext(ctx context.Context) *session.Session {
	s, _ := ctx.Value(sessionKey).(*session.Session)
	return s
}

// ContentTypeJSON enforces that requests with a body have Content-Type: application/json.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > 0 || r.Method == http.MethodPost || r.Method == http.MethodPut {
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				httputil.WriteJSON(w, http.StatusUnsupportedMediaType, httputil.Response{
					Error: &httputil.ErrorResponse{
						Code:    "UNSUPPORTED_MEDIA_TYPE",
						Message: "Content-Type must be application/json",
					},
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
