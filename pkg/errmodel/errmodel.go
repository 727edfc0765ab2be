// Package errmodel is the categorized error type shared by the actor, its
// tools and the HTTP surface. The category decides retry behavior and the
// HTTP status; the code is a stable machine-readable reason.
package errmodel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	CategoryValidation = "validation"
	CategoryTool       = "tool"
	CategoryNetwork    = "network"
	CategoryModel      = "model"
	CategoryPolicy     = "policy"
	CategorySystem     = "system"
)

const (
	maxMessage = 512
	maxContext = 256
)

// Error is a categorized error. It is also the JSON error payload of the API
// and of failed tool results.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the first cause.
func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error with the same category and code, so
// errors.Is(err, errmodel.NotFound("", nil)) works across wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// MarshalLogObject lets errors be logged with zap.Object.
func (e *Error) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("category", e.Category)
	enc.AddString("code", e.Code)
	enc.AddString("message", e.Message)
	if len(e.Context) > 0 {
		return enc.AddReflected("context", e.Context)
	}
	return nil
}

// New builds an error. Causes are converted and kept for errors.Is.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, maxMessage)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		if ce.cause == nil {
			ce.cause = c
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From returns err as an *Error. Unclassified errors become system errors.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Category: CategorySystem, Code: "internal", Message: truncate(err.Error(), maxMessage), cause: err}
}

// Text is the message of err, or "" for nil.
func Text(err error) string {
	if ce := From(err); ce != nil {
		return ce.Message
	}
	return ""
}

// Field is a zap field carrying err in structured form.
func Field(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.Object("error", From(err))
}

func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

// NotFound is a validation error for a missing entity.
func NotFound(message string, ctx map[string]any) *Error {
	return New(CategoryValidation, "not_found", message, ctx)
}

func Policy(code, message string, ctx map[string]any) *Error {
	return New(CategoryPolicy, code, message, ctx)
}

func System(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategorySystem, code, message, ctx, cause)
}

// Tool reports a failure inside a tool handler. The model sees it as the
// tool's result.
func Tool(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategoryTool, code, message, ctx, cause)
}

// Network reports a failure talking to an integration server.
func Network(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategoryNetwork, code, message, ctx, cause)
}

// Model reports a failure of the model client.
func Model(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategoryModel, code, message, ctx, cause)
}

// HTTPStatus maps an error to a response status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryValidation:
		switch e.Code {
		case "not_found":
			return http.StatusNotFound
		case "conflict":
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case CategoryPolicy:
		if e.Code == "unauthorized" {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case CategoryModel:
		return http.StatusServiceUnavailable
	case CategoryNetwork, CategoryTool:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// WriteHTTP writes {"error": ..., "trace_id": ...} with the mapped status.
// Transient failures carry a Retry-After hint.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategorySystem, Code: "internal", Message: "unknown error"}
	}
	traceID := ""
	if r != nil {
		if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if IsTransient(ce) {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(HTTPStatus(ce))
	_ = json.NewEncoder(w).Encode(map[string]any{"error": ce, "trace_id": traceID})
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext keeps scalar values and renders anything else as a short
// JSON preview.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, maxContext)
		case bool, int, int64, float64:
			out[k] = t
		default:
			if b, err := json.Marshal(t); err == nil {
				out[k] = truncate(string(b), maxContext)
			} else {
				out[k] = t
			}
		}
	}
	return out
}

func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

// IsTransient reports whether err is worth retrying: network and model
// failures are.
func IsTransient(err error) bool {
	return IsCategory(err, CategoryNetwork) || IsCategory(err, CategoryModel)
}

// IsFatal reports whether err is a classified internal failure. Plain errors
// are not fatal.
func IsFatal(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Category == CategorySystem
}
