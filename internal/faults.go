package forms

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Fault codes surfaced to the landing-page banner.
const (
	CodeRateLimited            = "rate_limited"
	CodeVerificationIncomplete = "verification_incomplete"
	CodeConfigurationError     = "configuration_error"
	CodeSubmissionFailed       = "submission_failed"
	CodeWidgetUnavailable      = "widget_unavailable"
)

// Fault is the JSON error envelope. Every failure the gateway produces is
// one of these; nothing propagates as an unhandled fault.
type Fault struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	AltContact        string `json:"altContact,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`

	status int
}

func (f *Fault) Error() string {
	return f.Code + ": " + f.Message
}

func rateLimitedFault(retryAfterSeconds int) *Fault {
	return &Fault{
		Code:              CodeRateLimited,
		Message:           "too many requests, please wait before retrying",
		RetryAfterSeconds: retryAfterSeconds,
		status:            http.StatusTooManyRequests,
	}
}

func verificationIncompleteFault() *Fault {
	return &Fault{
		Code:    CodeVerificationIncomplete,
		Message: "please complete the verification challenge",
		status:  http.StatusBadRequest,
	}
}

func configurationFault(altContact string) *Fault {
	return &Fault{
		Code:       CodeConfigurationError,
		Message:    "the contact form is not configured, please use the alternate contact channel",
		AltContact: altContact,
		status:     http.StatusServiceUnavailable,
	}
}

func submissionFailedFault(altContact string) *Fault {
	return &Fault{
		Code:       CodeSubmissionFailed,
		Message:    "your message could not be delivered, please use the alternate contact channel",
		AltContact: altContact,
		status:     http.StatusBadGateway,
	}
}

func widgetUnavailableFault() *Fault {
	return &Fault{
		Code:    CodeWidgetUnavailable,
		Message: "verification is temporarily unavailable",
		status:  http.StatusBadGateway,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeFault(w http.ResponseWriter, f *Fault) {
	if f.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(f.RetryAfterSeconds))
	}
	writeJSON(w, f.status, f)
}
