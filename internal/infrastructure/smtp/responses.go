// SPDX-License-Identifier: AGPL-3.0-or-later
package smtp

import (
	"errors"
	"net/textproto"
)

// ResponseError carries an SMTP reply code and text, the unit the retry
// classifier switches on (spec §4.6). go-mail/mail/v2 surfaces protocol
// failures as *textproto.Error under the hood (net/smtp's Client.Rcpt/Data
// return them); FromError unwraps that into our own type so the rest of the
// core never imports net/textproto directly.
type ResponseError struct {
	Code    int
	Message string
}

func (e *ResponseError) Error() string {
	return e.Message
}

// FromError converts a textproto.Error (wrapped or not) into a ResponseError.
// Returns nil, false when err carries no SMTP reply code.
func FromError(err error) (*ResponseError, bool) {
	if err == nil {
		return nil, false
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return &ResponseError{Code: tpErr.Code, Message: tpErr.Msg}, true
	}
	return nil, false
}
