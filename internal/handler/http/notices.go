package http

import (
	"net/http"

	"github.com/utafrali/storefront/pkg/httputil"
)

// GetNotices handles GET /api/v1/notices. Each notice is returned once.
func GetNotices(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	httputil.WriteData(w, NoticesResponse{Notices: nonNil(s.Notices.Drain())})
}
