package middleware

import (
	"net/http"

	"github.com/utafrali/storefront/pkg/httputil"
	"github.com/utafrali/storefront/pkg/logger"
	"github.com/utafrali/storefront/pkg/validator"
)

// DeviceHeader identifies the visitor's device and scopes its local store.
const DeviceHeader = "X-Device-ID"

// RequireDevice rejects requests without a usable X-Device-ID header and
// stores the device id in the request context.
func RequireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.Header.Get(DeviceHeader)
		if err := validator.Var(deviceID, "required,max=128,identifier"); err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
				Error: &httputil.ErrorResponse{
					Code:      "MISSING_DEVICE_ID",
					Message:   "X-Device-ID header is required and must not contain whitespace, '/' or ':'",
					RequestID: logger.CorrelationIDFromContext(r.Context()),
				},
			})
			return
		}

		next.ServeHTTP(w, r.WithContext(logger.WithDeviceID(r.Context(), deviceID)))
	})
}
