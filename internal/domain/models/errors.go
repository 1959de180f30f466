// SPDX-License-Identifier: AGPL-3.0-or-later
package models

import "errors"

// Sentinel errors used with errors.Is/errors.As across the core, matching
// the teacher's convention of package-level sentinels rather than ad-hoc
// string comparisons at call sites.
var (
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrConflict            = errors.New("conflict")
	ErrNotFound            = errors.New("not found")
	ErrDuplicateMessage    = errors.New("duplicate message id")
	ErrAttachmentResolve   = errors.New("attachment resolve error")
	ErrReportSinkUnavailable = errors.New("report sink unavailable")
)

// ValidationError is a submission-time error recovered locally and returned
// per-id from insert_messages (spec §7).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// RateLimitedError distinguishes the defer and reject flavors of
// RateLimited described in spec §7.
type RateLimitedError struct {
	Reject bool
}

func (e *RateLimitedError) Error() string {
	if e.Reject {
		return "rate_limited: rejected by account policy"
	}
	return "rate_limited: deferred"
}
