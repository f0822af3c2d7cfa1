// Package post holds the announcement model shared by storage, delivery,
// scheduling and composition.
package post

import (
	"strings"
	"time"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusPosted    Status = "posted"
	StatusFailed    Status = "failed"

	// StatusDelivering marks a record claimed by a scheduler tick.
	// It only exists between claim and the final status write.
	StatusDelivering Status = "delivering"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusPosted, StatusFailed, StatusDelivering:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusPosted || s == StatusFailed }

type AttachmentKind string

const (
	KindPhoto     AttachmentKind = "photo"
	KindVideo     AttachmentKind = "video"
	KindAnimation AttachmentKind = "animation"
)

func (k AttachmentKind) Valid() bool {
	switch k {
	case KindPhoto, KindVideo, KindAnimation:
		return true
	}
	return false
}

// Attachment is either inline bytes (Data) or an opaque reference to a file
// already hosted by the transport (Ref). Data wins when both are set.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	Data []byte         `json:"data,omitempty"`
	Ref  string         `json:"ref,omitempty"`
}

func (a *Attachment) Inline() bool { return a != nil && len(a.Data) > 0 }

type Content struct {
	LinkURL          string      `json:"link_url"`
	InstructionsURL  string      `json:"instructions_url,omitempty"`
	InstructionsText string      `json:"instructions_text,omitempty"`
	Attachment       *Attachment `json:"attachment,omitempty"`
}

// Record is one announcement bound to one destination.
type Record struct {
	ID               string
	OperatorID       int64
	DestinationID    string
	DestinationLabel string
	Content          Content
	Status           Status
	ScheduledFor     *time.Time
	CreatedAt        time.Time
	PostedAt         *time.Time
	FailedAt         *time.Time
	LastError        string
}

// Destination is a channel registered by an operator.
type Destination struct {
	ID            string
	OperatorID    int64
	DestinationID string
	Label         string
	Username      string
	AddedAt       time.Time
}

// Outcome is the transient result of one delivery attempt.
type Outcome struct {
	DestinationID string
	Succeeded     bool
	Error         string
}

func Success(dest string) Outcome { return Outcome{DestinationID: dest, Succeeded: true} }

func Failure(dest string, err error) Outcome {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Outcome{DestinationID: dest, Error: msg}
}

// Validate checks the field-level invariants of a record. Time ordering
// against the store clock is checked by the store itself.
func (r Record) Validate() error {
	if r.OperatorID == 0 {
		return invalid("operator_id", "required")
	}
	if strings.TrimSpace(r.DestinationID) == "" {
		return invalid("destination_id", "required")
	}
	if err := r.Content.Validate(); err != nil {
		return err
	}
	switch r.Status {
	case StatusScheduled:
		if r.ScheduledFor == nil {
			return invalid("scheduled_for", "required for scheduled posts")
		}
		if r.PostedAt != nil || r.FailedAt != nil {
			return invalid("status", "scheduled post cannot carry posted_at or failed_at")
		}
	case StatusPosted:
		if r.PostedAt == nil {
			return invalid("posted_at", "required for posted records")
		}
		if r.FailedAt != nil {
			return invalid("failed_at", "must be empty for posted records")
		}
	case StatusFailed:
		if r.FailedAt == nil || strings.TrimSpace(r.LastError) == "" {
			return invalid("failed_at", "failed records need failed_at and last_error")
		}
		if r.PostedAt != nil {
			return invalid("posted_at", "must be empty for failed records")
		}
	default:
		return invalid("status", "must be scheduled, posted or failed")
	}
	return nil
}

func (c Content) Validate() error {
	link := strings.TrimSpace(c.LinkURL)
	if link == "" {
		return invalid("link_url", "required")
	}
	if !IsHTTPURL(link) {
		return invalid("link_url", "must start with http:// or https://")
	}
	if c.InstructionsURL != "" && c.InstructionsText != "" {
		return invalid("instructions", "either a link or a text, not both")
	}
	if a := c.Attachment; a != nil {
		if !a.Kind.Valid() {
			return invalid("attachment.kind", "must be photo, video or animation")
		}
		if len(a.Data) == 0 && strings.TrimSpace(a.Ref) == "" {
			return invalid("attachment", "needs inline data or a file reference")
		}
	}
	return nil
}

func IsHTTPURL(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
