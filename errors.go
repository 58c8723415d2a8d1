package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrPaymentFormNotFound means an invoice page has no payable form. Callers
// treat it as "already paid", not as a failure.
var ErrPaymentFormNotFound = errors.New("payment form not found")

// ErrNoServices means the dashboard loaded but listed no services, which the
// portal only does for a half-expired session.
var ErrNoServices = errors.New("no services on dashboard")

// ErrNoAccounts is the only error that aborts a whole run.
var ErrNoAccounts = errors.New("no accounts configured")

// ChallengeTimeoutError reports a challenge that never cleared within its budget.
type ChallengeTimeoutError struct {
	Stage    string
	Attempts int
}

func (e *ChallengeTimeoutError) Error() string {
	return fmt.Sprintf("challenge not resolved during %s after %d attempts", e.Stage, e.Attempts)
}

// CredentialRejectedError reports an explicit bad-credential marker on the login page.
type CredentialRejectedError struct {
	Username string
}

func (e *CredentialRejectedError) Error() string {
	return fmt.Sprintf("credentials rejected for %s", e.Username)
}

// SessionInvalidError reports a session that failed the protected-endpoint
// probe when no fresh credentials were available to replace it.
type SessionInvalidError struct {
	Reason string
}

func (e *SessionInvalidError) Error() string {
	return "session invalid: " + e.Reason
}

// TransportError wraps a low-level network failure of one exchange.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServiceError wraps a failure while processing one service.
type ServiceError struct {
	ServiceID string
	Step      string
	Err       error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service %s: %s: %v", e.ServiceID, e.Step, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func IsChallengeTimeout(err error) bool {
	var target *ChallengeTimeoutError
	return errors.As(err, &target)
}

func IsCredentialRejected(err error) bool {
	var target *CredentialRejectedError
	return errors.As(err, &target)
}

func IsSessionInvalid(err error) bool {
	var target *SessionInvalidError
	return errors.As(err, &target)
}

func IsTransportFailure(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

// retryableTransportPatterns are substrings of transient network failures.
var retryableTransportPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"context deadline exceeded",
	"TLS handshake timeout",
	"EOF",
	"use of closed network connection",
}

func isRetryableTransport(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, pattern := range retryableTransportPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
