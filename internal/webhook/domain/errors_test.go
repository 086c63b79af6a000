package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "verification", err: &VerificationError{Code: ReasonInvalidSignature}, want: false},
		{name: "invalid payload", err: &VerificationError{Code: ReasonInvalidPayload}, want: false},
		{name: "configuration", err: &ConfigurationError{Setting: "STRIPE_WEBHOOK_SECRET"}, want: false},
		{name: "wrapped configuration", err: fmt.Errorf("attempt: %w", &ConfigurationError{}), want: false},
		{name: "linkage", err: &HandlingError{EventType: "x", Err: &LinkageError{CustomerID: "cus_1"}}, want: true},
		{name: "transient", err: &HandlingError{EventType: "x", Err: context.DeadlineExceeded}, want: true},
		{name: "plain", err: errors.New("db down"), want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestIsIntegrity(t *testing.T) {
	assert.True(t, IsIntegrity(&HandlingError{Err: &PlanNotFoundError{PriceID: "price_x"}}))
	assert.True(t, IsIntegrity(&UnmappedStatusError{Status: "paused"}))
	assert.True(t, IsIntegrity(&RetryExhaustedError{Last: &LinkageError{CustomerID: "cus_1"}}))
	assert.False(t, IsIntegrity(errors.New("boom")))
}

func TestRetryExhaustedErrorNamesClass(t *testing.T) {
	err := &RetryExhaustedError{EventID: "evt_1", Attempts: 3, Last: &UnmappedStatusError{Status: "paused"}}
	assert.Contains(t, err.Error(), "integrity failure")
	assert.Contains(t, err.Error(), "3 attempt(s)")

	err = &RetryExhaustedError{EventID: "evt_2", Attempts: 3, Last: errors.New("db down")}
	assert.Contains(t, err.Error(), "processing failure")
}
