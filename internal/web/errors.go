package web

// errors.go provides unified error response handling for the web layer.
//
// It ensures all errors are:
//   - Logged with full technical details for debugging (server-side)
//   - Returned to clients as user-friendly messages with action suggestions
//
// The error flow:
//  1. Handler encounters an error
//  2. Calls respondError(w, r, err, statusCode)
//  3. Error is mapped via MapError to get user-friendly message
//  4. Technical error + context is logged with request ID for correlation
//  5. User message is written as a JSON error body

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tfunke/schulsync/internal/auth"
	"github.com/tfunke/schulsync/internal/ingest"
	"github.com/tfunke/schulsync/internal/keycloak"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// errorPattern defines a substring to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns is the fallback mapping for errors without a typed sentinel.
// Patterns are matched case-insensitively with strings.Contains; the first
// match wins, so specific patterns come before general ones.
var errorPatterns = []errorPattern{
	{
		pattern: "exceeds maximum size",
		msg: UserMessage{
			Message: "The document is too large to process",
			Action:  "Export a smaller batch and try again",
			Code:    "DOC003",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "The identity directory is unreachable",
			Action:  "Please try again in a few moments",
			Code:    "DIR001",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "The operation timed out",
			Action:  "Check your connection and try again",
			Code:    "DIR001",
		},
	},
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
}

// defaultMessage is returned when nothing matches (ERR000). Support staff
// should check application logs for the original technical error.
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message. Typed
// sentinels from the domain packages are checked first, then the substring
// patterns; unknown errors map to ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var secErr *ingest.SecurityError
	if errors.As(err, &secErr) {
		return UserMessage{
			Message: "The document was rejected by the security screening",
			Action:  "Export the file again from your school administration software",
			Code:    "SEC001",
		}
	}

	switch {
	case errors.Is(err, ingest.ErrInvalidXML):
		return UserMessage{
			Message: "Invalid XML format",
			Action:  "Check that the export completed and the file is intact",
			Code:    "DOC001",
		}
	case errors.Is(err, ingest.ErrNoUserData):
		return UserMessage{
			Message: "No usable user rows were found in the file",
			Action:  "Check the column mapping and that the file has data rows",
			Code:    "DOC002",
		}
	case errors.Is(err, auth.ErrStateMismatch):
		return UserMessage{
			Message: "The login response could not be verified",
			Action:  "Start the login again",
			Code:    "AUTH001",
		}
	case errors.Is(err, auth.ErrLoginExpired):
		return UserMessage{
			Message: "The login request expired",
			Action:  "Start the login again",
			Code:    "AUTH002",
		}
	case errors.Is(err, auth.ErrNotAuthenticated):
		return UserMessage{
			Message: "You are not signed in",
			Action:  "Sign in and retry the operation",
			Code:    "AUTH003",
		}
	}

	var apiErr *keycloak.APIError
	if errors.As(err, &apiErr) {
		return UserMessage{
			Message: "The identity directory rejected the request",
			Action:  "Please try again; quote the code to support if it persists",
			Code:    "DIR002",
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// respondError handles error responses with user-friendly messages.
// It logs the technical error server-side and returns a JSON error body.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	userMsg := MapError(err)

	requestID := middleware.GetReqID(r.Context())
	slog.Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
		"request_id", requestID,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   userMsg.Message,
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
	})
}

// statusForError picks the HTTP status matching the error's category.
func statusForError(err error) int {
	var secErr *ingest.SecurityError
	switch {
	case errors.As(err, &secErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ingest.ErrInvalidXML), errors.Is(err, ingest.ErrNoUserData):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrStateMismatch), errors.Is(err, auth.ErrLoginExpired):
		return http.StatusBadRequest
	}
	var apiErr *keycloak.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
