// Package api exposes the ledger to collaborators as named methods that take
// JSON params and always return a result envelope instead of an error.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	apperrors "tradedesk/internal/errors"
	"tradedesk/internal/logging"
	"tradedesk/internal/security"
	"tradedesk/internal/store"
)

// Result is the envelope every method returns. Error is redacted.
type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Error codes let callers branch without parsing messages.
const (
	CodeValidation    = "validation"
	CodeNotFound      = "not_found"
	CodeEngine        = "engine"
	CodeMirror        = "mirror"
	CodeClosed        = "closed"
	CodeUnknownMethod = "unknown_method"
	CodeBadRequest    = "bad_request"
	CodeInternal      = "internal"
)

type handler func(ctx context.Context, s *Service, params json.RawMessage) (any, error)

// Service adapts a store.Ledger to the method contract.
type Service struct {
	ledger store.Ledger
	log    zerolog.Logger
}

// NewService creates a Service over ledger.
func NewService(ledger store.Ledger, log zerolog.Logger) *Service {
	return &Service{ledger: ledger, log: logging.Component(log, "api")}
}

// Methods lists the dispatchable method names, sorted.
func Methods() []string {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs method with params. It never panics and never returns a
// Go error; failures come back as Result{OK: false}.
func (s *Service) Dispatch(ctx context.Context, method string, params json.RawMessage) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("method", method).
				Str("panic", security.Redact(fmt.Sprint(r))).
				Str("stack", string(debug.Stack())).
				Msg("Recovered panic in API method")
			res = Result{OK: false, Error: "internal error", Code: CodeInternal}
		}
	}()

	h, ok := methods[strings.TrimSpace(method)]
	if !ok {
		return s.failure(method, fmt.Errorf("%w: %q", apperrors.ErrUnknownMethod, method))
	}
	data, err := h(ctx, s, params)
	if err != nil {
		return s.failure(method, err)
	}
	return Result{OK: true, Data: data}
}

func (s *Service) failure(method string, err error) Result {
	msg := security.Redact(err.Error())
	code := errorCode(err)
	ev := s.log.Debug()
	if code == CodeEngine || code == CodeMirror || code == CodeInternal {
		ev = s.log.Warn()
	}
	ev.Str("method", method).Str("code", code).Str("error", msg).Msg("API method failed")
	return Result{OK: false, Error: msg, Code: code}
}

func errorCode(err error) string {
	switch {
	case apperrors.Is(err, apperrors.ErrValidation):
		return CodeValidation
	case apperrors.Is(err, apperrors.ErrNotFound):
		return CodeNotFound
	case apperrors.Is(err, apperrors.ErrClosed):
		return CodeClosed
	case apperrors.Is(err, apperrors.ErrMirror):
		return CodeMirror
	case apperrors.Is(err, apperrors.ErrUnknownMethod):
		return CodeUnknownMethod
	case apperrors.Is(err, apperrors.ErrInvalidRequest):
		return CodeBadRequest
	case apperrors.Is(err, apperrors.ErrEngine):
		return CodeEngine
	default:
		return CodeInternal
	}
}

// bind decodes params into P before calling fn. Empty params decode as the
// zero value.
func bind[P any](fn func(ctx context.Context, s *Service, p P) (any, error)) handler {
	return func(ctx context.Context, s *Service, raw json.RawMessage) (any, error) {
		var p P
		if trimmed := strings.TrimSpace(string(raw)); trimmed != "" && trimmed != "null" {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("%w: failed to parse params: %v", apperrors.ErrInvalidRequest, err)
			}
		}
		return fn(ctx, s, p)
	}
}

// Request is one line of the stdio protocol.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request.
type Response struct {
	ID json.RawMessage `json:"id,omitempty"`
	Result
}

// Handle decodes one request line and dispatches it.
func (s *Service) Handle(ctx context.Context, line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Response{Result: s.failure("", fmt.Errorf("%w: %v", apperrors.ErrInvalidRequest, err))}
	}
	return Response{ID: req.ID, Result: s.Dispatch(ctx, req.Method, req.Params)}
}
