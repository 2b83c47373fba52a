package router

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"runtime"

	"github.com/go-chi/chi/v5"
)

var DefaultError = JsonError{
	Code: http.StatusInternalServerError,
	Err:  "internal server error",
}

// Router is a wrapper around chi.Router whose handlers return errors.
// Returned errors are mapped to error responses; mappers can be registered for sentinel errors.
// Sub routers created with Route, Group and With share the parent's mappers and logger.
type Router struct {
	chi.Router
	*shared
}

type shared struct {
	errorMappers []errorMapping
	defaultError JsonError
	logger       *slog.Logger
}

type errorMapping struct {
	target error
	fn     ErrorMapper
}

func New(opts ...RouterOption) *Router {
	r := &Router{
		Router: chi.NewRouter(),
		shared: &shared{
			defaultError: DefaultError,
			logger:       slog.New(slog.NewTextHandler(os.Stderr, nil)),
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type RouterOption func(*Router)

func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

func WithDefaultError(err JsonError) RouterOption {
	return func(r *Router) {
		r.defaultError = err
	}
}

func (a *Router) derive(r chi.Router) *Router {
	return &Router{Router: r, shared: a.shared}
}

// HandlerFunc is a function that handles an HTTP request and returns an error.
// A handler that fails must not write to the response writer; the returned
// error is mapped to an error response instead.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

type Middleware func(http.Handler) HandlerFunc

// ErrorMapper maps a go error to an API error.
type ErrorMapper func(error) Error

// RegisterErrorMapper maps every error that matches target with errors.Is.
// Mappers are tried in registration order.
func (a *Router) RegisterErrorMapper(target error, fn ErrorMapper) {
	a.errorMappers = append(a.errorMappers, errorMapping{target: target, fn: fn})
}

// mapError maps a go error to an API error:
//   - an Error anywhere in the chain is returned as is.
//   - otherwise the first mapper whose target matches is used.
//   - otherwise the default error is returned.
func (a *Router) mapError(err error) Error {
	var apiErr Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	for _, m := range a.errorMappers {
		if errors.Is(err, m.target) {
			return m.fn(err)
		}
	}
	return a.defaultError
}

func (a *Router) handleWithErr(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		resError := a.mapError(err)
		handlerFn := runtime.FuncForPC(reflect.ValueOf(h).Pointer())
		level := slog.LevelError
		if resError.StatusCode() < http.StatusInternalServerError {
			level = slog.LevelDebug
		}
		a.logger.Log(r.Context(), level, err.Error(),
			slog.String("handler", handlerFn.Name()),
			slog.String("path", r.URL.Path),
			slog.Int("status", resError.StatusCode()))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resError.StatusCode())
		if err := resError.Encode(w); err != nil {
			a.logger.Error("encode error response", slog.Any("error", err))
		}
	}
}

func (a *Router) Get(path string, h HandlerFunc) {
	a.Router.Get(path, a.handleWithErr(h))
}

func (a *Router) Post(path string, h HandlerFunc) {
	a.Router.Post(path, a.handleWithErr(h))
}

func (a *Router) Put(path string, h HandlerFunc) {
	a.Router.Put(path, a.handleWithErr(h))
}

func (a *Router) Delete(path string, h HandlerFunc) {
	a.Router.Delete(path, a.handleWithErr(h))
}

func (a *Router) Route(path string, f func(r *Router)) {
	a.Router.Route(path, func(r chi.Router) {
		f(a.derive(r))
	})
}

func (a *Router) Group(f func(r *Router)) *Router {
	ch := a.Router.Group(func(r chi.Router) {
		f(a.derive(r))
	})
	return a.derive(ch)
}

func (a *Router) Use(middleware Middleware) {
	a.Router.Use(a.adapt(middleware))
}

func (a *Router) With(middleware Middleware) *Router {
	return a.derive(a.Router.With(a.adapt(middleware)))
}

func (a *Router) adapt(middleware Middleware) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return a.handleWithErr(middleware(h))
	}
}
