package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	wrapped := func(err error) error { return fmt.Errorf("account a1: %w", err) }

	assert.True(t, IsChallengeTimeout(wrapped(&ChallengeTimeoutError{Stage: "login form", Attempts: 3})))
	assert.True(t, IsCredentialRejected(wrapped(&CredentialRejectedError{Username: "u"})))
	assert.True(t, IsSessionInvalid(wrapped(&SessionInvalidError{Reason: "redirected to login"})))
	assert.True(t, IsTransportFailure(wrapped(&TransportError{Method: "GET", URL: "/x", Err: errors.New("boom")})))

	assert.False(t, IsSessionInvalid(errors.New("plain")))
	assert.False(t, IsTransportFailure(nil))
}

func TestErrorUnwrapChains(t *testing.T) {
	root := errors.New("connection reset by peer")
	err := &ServiceError{ServiceID: "5", Step: "renew", Err: &TransportError{Method: "POST", URL: "/service/5/renew", Err: root}}

	assert.ErrorIs(t, err, root)
	assert.True(t, IsTransportFailure(err))
	assert.Equal(t, "service 5: renew: POST /service/5/renew: connection reset by peer", err.Error())
}

func TestIsRetryableTransport(t *testing.T) {
	testCases := []struct {
		err  error
		want bool
	}{
		{err: nil, want: false},
		{err: errors.New("dial tcp: connection refused"), want: true},
		{err: errors.New("unexpected EOF"), want: true},
		{err: errors.New("net/http: TLS handshake timeout"), want: true},
		{err: errors.New("invalid character '<' looking for beginning of value"), want: false},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, isRetryableTransport(tc.err), "%v", tc.err)
	}
}
