// SPDX-License-Identifier: AGPL-3.0-or-later
package models

import "time"

// SendLogEntry is one successful SMTP delivery, the sole source of truth
// for the rate limiter (spec §3, §4.2).
type SendLogEntry struct {
	AccountID string
	TS        time.Time
}
