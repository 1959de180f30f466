// SPDX-License-Identifier: AGPL-3.0-or-later
package application

import (
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/smtprelay/internal/infrastructure/smtp"
)

func TestClassifyCode(t *testing.T) {
	c := NewClassifier()

	cases := []struct {
		name           string
		code           int
		wantOutcome    Outcome
		wantAttention  bool
	}{
		{"2xx is success", 250, OutcomeSuccess, false},
		{"421 service not available is transient", 421, OutcomeTransient, false},
		{"450 mailbox busy is transient", 450, OutcomeTransient, false},
		{"452 insufficient storage is transient", 452, OutcomeTransient, false},
		{"535 auth failure needs attention", 535, OutcomePermanent, true},
		{"550 mailbox unavailable is permanent", 550, OutcomePermanent, false},
		{"554 transaction failed is permanent", 554, OutcomePermanent, false},
		{"unenumerated 4xx still transient by class", 471, OutcomeTransient, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := c.Classify(&smtp.ResponseError{Code: tc.code, Message: "reply text"})
			assert.Equal(t, tc.wantOutcome, result.Outcome)
			assert.Equal(t, tc.wantAttention, result.NeedsAttention)
		})
	}
}

func TestClassifyNilErrIsSuccess(t *testing.T) {
	c := NewClassifier()
	result := c.Classify(nil)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
}

func TestClassifyNetworkError(t *testing.T) {
	c := NewClassifier()
	result := c.Classify(&net.DNSError{Err: "no such host", IsTimeout: true})
	assert.Equal(t, OutcomeTransient, result.Outcome)
}

func TestClassifyTLSErrorIsPermanent(t *testing.T) {
	c := NewClassifier()
	result := c.Classify(errors.New("x509: certificate signed by unknown authority"))
	assert.Equal(t, OutcomePermanent, result.Outcome)
	assert.False(t, result.NeedsAttention)
}

func TestClassifyAuthErrorNeedsAttention(t *testing.T) {
	c := NewClassifier()
	result := c.Classify(errors.New("auth failed: bad credentials"))
	assert.Equal(t, OutcomePermanent, result.Outcome)
	assert.True(t, result.NeedsAttention)
}

func TestNextAttemptExhaustsRetries(t *testing.T) {
	c := NewClassifier()
	c.MaxRetries = 3

	_, shouldRetry := c.NextAttempt(3)
	assert.False(t, shouldRetry)

	_, shouldRetry = c.NextAttempt(5)
	assert.False(t, shouldRetry)
}

func TestNextAttemptAppliesJitterWithinBounds(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Classifier{
		MaxRetries: DefaultMaxRetries,
		Backoff:    DefaultBackoff,
		Now:        func() time.Time { return fixedNow },
		Rand:       rand.New(rand.NewSource(1)),
	}

	deferredTS, shouldRetry := c.NextAttempt(0)
	require.True(t, shouldRetry)

	base := DefaultBackoff[0]
	delay := deferredTS.Sub(fixedNow)
	assert.GreaterOrEqual(t, delay, time.Duration(float64(base)*0.80))
	assert.LessOrEqual(t, delay, time.Duration(float64(base)*1.20))
}

func TestNextAttemptClampsToLastBackoffStep(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Classifier{
		MaxRetries: 10,
		Backoff:    DefaultBackoff,
		Now:        func() time.Time { return fixedNow },
		Rand:       rand.New(rand.NewSource(2)),
	}

	deferredTS, shouldRetry := c.NextAttempt(len(DefaultBackoff) + 2)
	require.True(t, shouldRetry)

	last := DefaultBackoff[len(DefaultBackoff)-1]
	delay := deferredTS.Sub(fixedNow)
	assert.GreaterOrEqual(t, delay, time.Duration(float64(last)*0.80))
	assert.LessOrEqual(t, delay, time.Duration(float64(last)*1.20))
}
