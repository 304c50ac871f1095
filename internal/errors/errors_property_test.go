package errors

import (
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

var allCodes = []ErrorCode{
	ErrInvalidRequest, ErrValidationFailed, ErrInvalidJSON,
	ErrInvalidAuthentication, ErrAPINotAllowed, ErrAdminKeyInvalid,
	ErrClientNotFound, ErrAPINotFound,
	ErrQuotaExceeded, ErrRateLimited,
	ErrInternalServer, ErrUpstreamAuth, ErrProxyFailed,
}

// *For any* API error, the error response includes code, message, timestamp,
// request_id, correlation_id, path and method.
func TestProperty_ErrorResponse_StandardFormat(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		code := allCodes[rapid.IntRange(0, len(allCodes)-1).Draw(rt, "codeIdx")]
		message := rapid.StringMatching(`[a-zA-Z0-9 .,!?]{10,100}`).Draw(rt, "message")
		requestID := rapid.StringMatching(`[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`).Draw(rt, "requestID")
		correlationID := rapid.StringMatching(`[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`).Draw(rt, "correlationID")
		paths := []string{"/proxy/billing/invoices", "/clients/me", "/apis"}
		methods := []string{"GET", "POST", "PUT", "DELETE"}
		path := paths[rapid.IntRange(0, len(paths)-1).Draw(rt, "pathIdx")]
		method := methods[rapid.IntRange(0, len(methods)-1).Draw(rt, "methodIdx")]

		apiErr := &APIError{Code: code, Message: message}
		response := NewErrorResponse(apiErr, requestID, correlationID, path, method)

		if response.Error.Code == "" || response.Error.Message == "" {
			t.Fatal("PROPERTY VIOLATION: error response must have code and message")
		}
		if _, err := time.Parse(time.RFC3339, response.Error.Timestamp); err != nil {
			t.Fatalf("PROPERTY VIOLATION: timestamp must be RFC3339: %v", err)
		}
		if response.RequestID != requestID || response.CorrelationID != correlationID {
			t.Fatal("PROPERTY VIOLATION: request and correlation ids must be echoed")
		}
		if response.Error.Path != path || response.Error.Method != method {
			t.Fatal("PROPERTY VIOLATION: path and method must be echoed")
		}
		if response.Error.HTTPStatus != GetHTTPStatusFromCode(code) {
			t.Fatalf("PROPERTY VIOLATION: status should be derived from code %s", code)
		}
		if apiErr.Timestamp != "" {
			t.Fatal("PROPERTY VIOLATION: the source error must not be mutated")
		}
	})
}

// *For any* error code, the HTTP status follows the code's three-digit prefix.
func TestProperty_ErrorCode_HTTPStatusMapping(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		code := allCodes[rapid.IntRange(0, len(allCodes)-1).Draw(rt, "codeIdx")]
		status := GetHTTPStatusFromCode(code)
		if !strings.HasPrefix(string(code), strconv.Itoa(status)) {
			t.Fatalf("PROPERTY VIOLATION: code %s mapped to %d", code, status)
		}
	})
}

func TestCannedErrors_MatchTaxonomy(t *testing.T) {
	cases := []struct {
		err    *APIError
		status int
	}{
		{ErrInvalidAuthenticationError, http.StatusForbidden},
		{ErrAPINotAllowedError, http.StatusForbidden},
		{ErrAPINotFoundError, http.StatusNotFound},
		{ErrClientNotFoundError, http.StatusNotFound},
		{ErrQuotaExceededError, http.StatusTooManyRequests},
		{ErrUpstreamAuthError, http.StatusBadGateway},
		{NewInvalidRequestError("Invalid path"), http.StatusBadRequest},
		{NewProxyFailedError("dial tcp: connection refused"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		if tc.err.HTTPStatus != tc.status {
			t.Errorf("%s: expected status %d, got %d", tc.err.Code, tc.status, tc.err.HTTPStatus)
		}
		if GetHTTPStatusFromCode(tc.err.Code) != tc.status {
			t.Errorf("%s: code prefix does not match status %d", tc.err.Code, tc.status)
		}
	}

	if got := ErrInvalidAuthenticationError.Message; got != "Invalid authentication" {
		t.Errorf("unexpected auth message %q", got)
	}
	if got := ErrQuotaExceededError.Message; got != "Daily request limit exceeded" {
		t.Errorf("unexpected quota message %q", got)
	}
	if got := NewProxyFailedError("timeout").Message; got != "Proxy request failed: timeout" {
		t.Errorf("unexpected proxy message %q", got)
	}
}

func TestWithDetails_PreservesError(t *testing.T) {
	orig := NewInvalidRequestError("bad")
	withDetails := orig.WithDetails(map[string]string{"field": "name"})
	if withDetails.Code != orig.Code || withDetails.Message != orig.Message || withDetails.HTTPStatus != orig.HTTPStatus {
		t.Fatal("WithDetails must preserve code, message and status")
	}
	if orig.Details != nil {
		t.Fatal("WithDetails must not mutate the receiver")
	}
}
