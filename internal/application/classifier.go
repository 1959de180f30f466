// SPDX-License-Identifier: AGPL-3.0-or-later
package application

import (
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/relaycore/smtprelay/internal/infrastructure/smtp"
)

// Outcome is the classifier's verdict for one send attempt (spec §4.6).
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

// ClassifiedResult carries the outcome plus the text to persist as the
// message's error, and whether the account needs operator attention
// (SMTP 535 auth failure, per spec §4.6).
type ClassifiedResult struct {
	Outcome        Outcome
	Reason         string
	NeedsAttention bool
}

// DefaultMaxRetries and DefaultBackoff mirror spec §4.6's defaults.
var (
	DefaultMaxRetries = 5
	DefaultBackoff    = []time.Duration{
		60 * time.Second,
		300 * time.Second,
		900 * time.Second,
		3600 * time.Second,
		7200 * time.Second,
	}
)

// Classifier maps SMTP responses and transport errors to Success/Transient/
// Permanent, and computes the jittered backoff schedule. Now and Rand are
// injectable so tests can assert a deterministic schedule, per spec §9's
// design note (grounded on other_examples' txoutbox Options.Now pattern).
type Classifier struct {
	MaxRetries int
	Backoff    []time.Duration
	Now        func() time.Time
	Rand       *rand.Rand
}

func NewClassifier() *Classifier {
	return &Classifier{
		MaxRetries: DefaultMaxRetries,
		Backoff:    DefaultBackoff,
		Now:        time.Now,
		Rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Classify inspects a send error (which may wrap an *smtp.ResponseError) and
// returns the outcome. A nil err means the DATA command was acknowledged
// with a 2xx code, i.e. Success.
func (c *Classifier) Classify(err error) ClassifiedResult {
	if err == nil {
		return ClassifiedResult{Outcome: OutcomeSuccess}
	}

	var respErr *smtp.ResponseError
	if errors.As(err, &respErr) {
		return c.classifyCode(respErr.Code, respErr.Message)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassifiedResult{Outcome: OutcomeTransient, Reason: err.Error()}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "tls"), strings.Contains(msg, "certificate"), strings.Contains(msg, "x509"):
		return ClassifiedResult{Outcome: OutcomePermanent, Reason: err.Error()}
	case strings.Contains(msg, "auth"):
		return ClassifiedResult{Outcome: OutcomePermanent, Reason: err.Error(), NeedsAttention: true}
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "eof"), strings.Contains(msg, "no such host"), strings.Contains(msg, "dial"):
		return ClassifiedResult{Outcome: OutcomeTransient, Reason: err.Error()}
	default:
		return ClassifiedResult{Outcome: OutcomeTransient, Reason: err.Error()}
	}
}

// classifyCode applies spec §4.6's explicit SMTP response-code table.
func (c *Classifier) classifyCode(code int, message string) ClassifiedResult {
	reason := message
	switch {
	case code >= 200 && code < 300:
		return ClassifiedResult{Outcome: OutcomeSuccess}
	case code == 421 || code == 450 || code == 451 || code == 452:
		return ClassifiedResult{Outcome: OutcomeTransient, Reason: reason}
	case code == 535:
		return ClassifiedResult{Outcome: OutcomePermanent, Reason: reason, NeedsAttention: true}
	case code >= 500 && code < 600:
		return ClassifiedResult{Outcome: OutcomePermanent, Reason: reason}
	case code >= 400 && code < 500:
		// Any other 4xx not explicitly enumerated is still transient by class.
		return ClassifiedResult{Outcome: OutcomeTransient, Reason: reason}
	default:
		return ClassifiedResult{Outcome: OutcomeTransient, Reason: reason}
	}
}

// NextAttempt computes whether a transient failure should be retried and,
// if so, the next_deferred_ts with ±20% jitter applied to the backoff
// schedule (spec §4.6).
func (c *Classifier) NextAttempt(retryCount int) (deferredTS time.Time, shouldRetry bool) {
	if retryCount >= c.MaxRetries {
		return time.Time{}, false
	}

	idx := retryCount
	if idx >= len(c.Backoff) {
		idx = len(c.Backoff) - 1
	}
	base := c.Backoff[idx]

	jitterFrac := (c.Rand.Float64()*2 - 1) * 0.20 // uniform in [-0.20, 0.20]
	delay := time.Duration(float64(base) * (1 + jitterFrac))

	return c.Now().Add(delay), true
}
