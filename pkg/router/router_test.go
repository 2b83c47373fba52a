package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errForbidden = errors.New("forbidden")

func Test_ErrorMapper(t *testing.T) {
	router := New()
	router.RegisterErrorMapper(errForbidden, func(err error) Error {
		return JsonError{Code: http.StatusForbidden, Err: err.Error()}
	})

	tcs := []struct {
		name string
		err  error
		exp  Error
	}{
		{
			name: "registered sentinel",
			err:  errForbidden,
			exp:  JsonError{Code: 403, Err: "forbidden"},
		},
		{
			name: "wrapped sentinel",
			err:  fmt.Errorf("load room: %w", errForbidden),
			exp:  JsonError{Code: 403, Err: "load room: forbidden"},
		},
		{
			name: "unmapped",
			err:  errors.New("random error"),
			exp:  router.defaultError,
		},
		{
			name: "api error",
			err:  JsonError{Code: 400, Err: "API Error"},
			exp:  JsonError{Code: 400, Err: "API Error"},
		},
		{
			name: "wrapped api error",
			err:  fmt.Errorf("decode: %w", JsonError{Code: 422, Err: "bad body"}),
			exp:  JsonError{Code: 422, Err: "bad body"},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.exp, router.mapError(tc.err))
		})
	}
}

func Test_SubRoutersShareMappers(t *testing.T) {
	router := New()
	router.RegisterErrorMapper(errForbidden, func(err error) Error {
		return NewJsonError(http.StatusForbidden, "nope")
	})

	deny := func(next http.Handler) HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) error {
			if r.Header.Get("X-Allow") == "" {
				return errForbidden
			}
			next.ServeHTTP(w, r)
			return nil
		}
	}

	router.Route("/api", func(r *Router) {
		r.Group(func(r *Router) {
			r.Use(deny)
			r.Get("/secret", func(w http.ResponseWriter, r *http.Request) error {
				return WriteJSON(w, http.StatusOK, map[string]string{"ok": "yes"})
			})
		})
		r.Get("/boom", func(w http.ResponseWriter, r *http.Request) error {
			return errForbidden
		})
	})

	tcs := []struct {
		name   string
		path   string
		allow  bool
		status int
		body   map[string]any
	}{
		{name: "middleware error", path: "/api/secret", status: 403, body: map[string]any{"code": float64(403), "error": "nope"}},
		{name: "allowed", path: "/api/secret", allow: true, status: 200, body: map[string]any{"ok": "yes"}},
		{name: "handler error", path: "/api/boom", status: 403, body: map[string]any{"code": float64(403), "error": "nope"}},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.allow {
				req.Header.Set("X-Allow", "1")
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body map[string]any
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tc.body, body)
		})
	}
}
