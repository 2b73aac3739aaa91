package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"github.com/example/ride-tracking/internal/logging"
)

func TestRecoverAndRequestID(t *testing.T) {
	s := &Server{logger: logging.Discard(), mux: mux.NewRouter()}
	s.registerMiddleware()
	var seen string
	s.mux.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFromContext(r.Context())
		panic("boom")
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestRouteTemplateAndRemoteIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	assert.Equal(t, "10.0.0.1", remoteIP(req))
	assert.Equal(t, "/x", routeTemplate(req))
}
