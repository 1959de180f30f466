// SPDX-License-Identifier: AGPL-3.0-or-later
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority is the message priority class. Lower values are dispatched first.
type Priority int

const (
	PriorityImmediate Priority = 0
	PriorityHigh       Priority = 1
	PriorityMedium     Priority = 2
	PriorityLow        Priority = 3
)

func (p Priority) Valid() bool {
	return p >= PriorityImmediate && p <= PriorityLow
}

// ContentType is the body's MIME shorthand as accepted on the wire.
type ContentType string

const (
	ContentTypePlain ContentType = "plain"
	ContentTypeHTML  ContentType = "html"
)

// FetchMode selects how an attachment's bytes are materialized.
type FetchMode string

const (
	FetchModeBase64     FetchMode = "base64"
	FetchModeFilesystem FetchMode = "filesystem"
	FetchModeHTTPURL    FetchMode = "http_url"
	FetchModeEndpoint   FetchMode = "endpoint"
)

// AttachmentDescriptor is one inline attachment reference within a Message payload.
type AttachmentDescriptor struct {
	Filename     string    `json:"filename"`
	MimeType     string    `json:"mime_type,omitempty"`
	FetchMode    FetchMode `json:"fetch_mode,omitempty"`
	StoragePath  string    `json:"storage_path"`
	ContentHash  string    `json:"content_hash,omitempty"`
	Auth         *Auth     `json:"auth,omitempty"`
}

// InferFetchMode derives the fetch mode from storage_path when the caller omits it,
// per spec §6: "base64:" prefix, http(s):// prefix, leading "/", else endpoint.
func InferFetchMode(storagePath string) FetchMode {
	switch {
	case len(storagePath) >= 7 && storagePath[:7] == "base64:":
		return FetchModeBase64
	case len(storagePath) >= 7 && storagePath[:7] == "http://":
		return FetchModeHTTPURL
	case len(storagePath) >= 8 && storagePath[:8] == "https://":
		return FetchModeHTTPURL
	case len(storagePath) >= 1 && storagePath[0] == '/':
		return FetchModeFilesystem
	default:
		return FetchModeEndpoint
	}
}

// Payload is the envelope and body content of a Message.
type Payload struct {
	From        string                  `json:"from"`
	To          []string                `json:"to"`
	Cc          []string                `json:"cc,omitempty"`
	Bcc         []string                `json:"bcc,omitempty"`
	Subject     string                  `json:"subject"`
	ContentType ContentType             `json:"content_type"`
	Body        string                  `json:"body"`
	HTMLBody    string                  `json:"html_body,omitempty"`
	Headers     map[string]string       `json:"headers,omitempty"`
	ReplyTo     string                  `json:"reply_to,omitempty"`
	ReturnPath  string                  `json:"return_path,omitempty"`
	Attachments []AttachmentDescriptor  `json:"attachments,omitempty"`
}

// Status is the message's lifecycle state, mirroring EmailQueueStatus
// but generalized to the spec's terminal/non-terminal vocabulary.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
	StatusBounced Status = "bounced"
)

// Message is the queue element described in spec §3.
type Message struct {
	SurrogateID uuid.UUID  `json:"surrogate_id" db:"surrogate_id"`
	ID          string     `json:"id" db:"id"`
	TenantID    *uuid.UUID `json:"tenant_id,omitempty" db:"tenant_id"`
	AccountID   string     `json:"account_id" db:"account_id"`

	Priority   Priority `json:"priority" db:"priority"`
	BatchCode  string   `json:"batch_code,omitempty" db:"batch_code"`

	DeferredTS time.Time `json:"deferred_ts" db:"deferred_ts"`
	RetryCount int       `json:"retry_count" db:"retry_count"`
	MaxRetries int       `json:"max_retries" db:"max_retries"`
	LastError  string    `json:"last_error,omitempty" db:"last_error"`

	Payload Payload `json:"payload" db:"payload"`

	Status Status `json:"status" db:"status"`

	CreatedTS  time.Time  `json:"created_ts" db:"created_ts"`
	SentTS     *time.Time `json:"sent_ts,omitempty" db:"sent_ts"`
	ErrorTS    *time.Time `json:"error_ts,omitempty" db:"error_ts"`
	BounceTS   *time.Time `json:"bounce_ts,omitempty" db:"bounce_ts"`
	ReportedTS *time.Time `json:"reported_ts,omitempty" db:"reported_ts"`

	BounceType   string `json:"bounce_type,omitempty" db:"bounce_type"`
	BounceCode   string `json:"bounce_code,omitempty" db:"bounce_code"`
	BounceReason string `json:"bounce_reason,omitempty" db:"bounce_reason"`
	DeferReason  string `json:"deferred_reason,omitempty" db:"defer_reason"`
}

// IsTerminal reports whether the message has reached sent/error/bounced.
func (m *Message) IsTerminal() bool {
	return m.SentTS != nil || m.ErrorTS != nil || m.BounceTS != nil
}

// MessageInput is the wire-level submission payload for one message (spec §6).
type MessageInput struct {
	ID          string                 `json:"id"`
	From        string                 `json:"from"`
	To          StringOrList           `json:"to"`
	Cc          StringOrList           `json:"cc,omitempty"`
	Bcc         StringOrList           `json:"bcc,omitempty"`
	Subject     string                 `json:"subject"`
	Body        string                 `json:"body"`
	ContentType ContentType            `json:"content_type,omitempty"`
	Headers     map[string]string      `json:"headers,omitempty"`
	ReplyTo     string                 `json:"reply_to,omitempty"`
	ReturnPath  string                 `json:"return_path,omitempty"`
	Priority    *Priority              `json:"priority,omitempty"`
	DeferredTS  *int64                 `json:"deferred_ts,omitempty"`
	BatchCode   string                 `json:"batch_code,omitempty"`
	AccountID   string                 `json:"account_id,omitempty"`
	Attachments []AttachmentDescriptor `json:"attachments,omitempty"`
}

// StringOrList accepts either a JSON array of strings or a single comma-separated
// string on the wire, per spec §6 ("list|comma-string").
type StringOrList []string

func (s *StringOrList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*s = splitCommaList(single)
	return nil
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			part := trimSpace(s[start:i])
			if part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

// RejectedMessage is one entry of insert_messages' rejection list.
type RejectedMessage struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}
