package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// JobKind identifies an outbox job variant. The set is closed; rows with
// any other kind are completed immediately with a diagnostic note so they
// never poison the queue.
type JobKind string

const (
	KindStartTracking    JobKind = "START_TRACKING"
	KindStopTracking     JobKind = "STOP_TRACKING"
	KindMarkStartedInDoc JobKind = "MARK_STARTED_IN_DOC"
	KindMarkStoppedInDoc JobKind = "MARK_STOPPED_IN_DOC"
	KindEnsureMapping    JobKind = "ENSURE_MAPPING_FROM_TRACKING"
)

// Known reports whether the kind is one the dispatcher can handle.
func (k JobKind) Known() bool {
	switch k {
	case KindStartTracking, KindStopTracking, KindMarkStartedInDoc,
		KindMarkStoppedInDoc, KindEnsureMapping:
		return true
	}
	return false
}

// JobStatus is the outbox row lifecycle. PENDING rows with an elapsed
// next_run_at are claimable; FAILED is terminal (dead letter).
type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobRunning JobStatus = "RUNNING"
	JobDone    JobStatus = "DONE"
	JobFailed  JobStatus = "FAILED"
)

// OutboxJob is a durable intent produced by the webhook receiver, the
// poller, or the mapper. Rows are never deleted; DONE and FAILED rows
// double as an audit log.
type OutboxJob struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	UserID         string          `json:"user_id"`
	PageID         string          `json:"page_id,omitempty"`
	Kind           JobKind         `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Status         JobStatus       `json:"status"`
	Attempt        int             `json:"attempt"`
	LastError      string          `json:"last_error,omitempty"`
	NextRunAt      time.Time       `json:"next_run_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// JobPayload is implemented by every per-kind payload schema.
type JobPayload interface {
	Validate() error
}

// StartTrackingPayload starts a Toggl entry for a Notion page whose timer
// property was just set.
type StartTrackingPayload struct {
	UserID      string `json:"userId"`
	PageID      string `json:"pageId"`
	TimeStarted string `json:"timeStarted"`
	APIVersion  string `json:"apiVersion,omitempty"`
	Origin      string `json:"origin"`
}

func (p *StartTrackingPayload) Validate() error {
	if p.UserID == "" || p.PageID == "" {
		return &ValidationError{Field: "userId/pageId", Reason: "required"}
	}
	return nil
}

// StopTrackingPayload stops the Toggl entry mirrored onto a Notion page.
type StopTrackingPayload struct {
	UserID       string `json:"userId"`
	PageID       string `json:"pageId"`
	TogglEntryID string `json:"togglEntryId,omitempty"`
	APIVersion   string `json:"apiVersion,omitempty"`
	Origin       string `json:"origin"`
}

func (p *StopTrackingPayload) Validate() error {
	if p.UserID == "" || p.PageID == "" {
		return &ValidationError{Field: "userId/pageId", Reason: "required"}
	}
	return nil
}

// MarkStartedPayload mirrors a running Toggl entry onto its Notion page.
type MarkStartedPayload struct {
	UserID       string `json:"userId"`
	PageID       string `json:"pageId"`
	TogglEntryID string `json:"togglEntryId"`
	StartTs      string `json:"startTs"`
	Origin       string `json:"origin"`
}

func (p *MarkStartedPayload) Validate() error {
	if p.UserID == "" || p.PageID == "" || p.TogglEntryID == "" {
		return &ValidationError{Field: "userId/pageId/togglEntryId", Reason: "required"}
	}
	return nil
}

// MarkStoppedPayload mirrors a stopped Toggl entry onto its Notion page.
type MarkStoppedPayload struct {
	UserID       string `json:"userId"`
	PageID       string `json:"pageId"`
	TogglEntryID string `json:"togglEntryId"`
	StopTs       string `json:"stopTs"`
	Origin       string `json:"origin"`
}

func (p *MarkStoppedPayload) Validate() error {
	if p.UserID == "" || p.PageID == "" || p.TogglEntryID == "" {
		return &ValidationError{Field: "userId/pageId/togglEntryId", Reason: "required"}
	}
	return nil
}

// EnsureMappingPayload carries a first-sight Toggl observation through the
// task mapper.
type EnsureMappingPayload struct {
	UserID     string    `json:"userId"`
	TogglEntry TimeEntry `json:"togglEntry"`
}

func (p *EnsureMappingPayload) Validate() error {
	if p.UserID == "" {
		return &ValidationError{Field: "userId", Reason: "required"}
	}
	if p.TogglEntry.ID == 0 {
		return &ValidationError{Field: "togglEntry.id", Reason: "required"}
	}
	return nil
}

// DecodePayload strict-decodes raw payload bytes against the schema for
// the given kind. Unknown fields and schema violations fail closed with a
// ValidationError; such jobs are never retried.
func DecodePayload(kind JobKind, raw json.RawMessage) (JobPayload, error) {
	var p JobPayload
	switch kind {
	case KindStartTracking:
		p = &StartTrackingPayload{}
	case KindStopTracking:
		p = &StopTrackingPayload{}
	case KindMarkStartedInDoc:
		p = &MarkStartedPayload{}
	case KindMarkStoppedInDoc:
		p = &MarkStoppedPayload{}
	case KindEnsureMapping:
		p = &EnsureMappingPayload{}
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, &ValidationError{Field: string(kind), Reason: fmt.Sprintf("decode payload: %v", err)}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodePayload marshals a payload for storage.
func EncodePayload(p JobPayload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
