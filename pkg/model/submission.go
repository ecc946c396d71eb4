package model

import (
	"encoding/json"
	"time"
)

// SubmissionStatus is the lifecycle status of a Submission.
type SubmissionStatus string

const (
	SubmissionStatusReceived SubmissionStatus = "received"
)

// Submission is one attempt by a team at a task. Attempt is 1-based and is
// unique per (team, task); it never exceeds the task's MaxAttempts.
type Submission struct {
	ID         int64            `json:"submission_id"`
	TeamID     int64            `json:"team_id"`
	TaskID     int64            `json:"task_id"`
	Attempt    int              `json:"attempt"`
	Content    json.RawMessage  `json:"annotation"`
	Metadata   json.RawMessage  `json:"metadata,omitempty"`
	Status     SubmissionStatus `json:"status"`
	ReceivedAt time.Time        `json:"received_at"`
}

// SubmissionFilter selects submissions. Zero-valued fields match everything.
type SubmissionFilter struct {
	TeamID int64
	TaskID int64
}

// SubmissionRequest is the inbound body of POST /submissions.
type SubmissionRequest struct {
	TaskID     int64           `json:"task_id"`
	Annotation json.RawMessage `json:"annotation"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// SubmissionReceipt is returned for an accepted submission.
type SubmissionReceipt struct {
	SubmissionID int64            `json:"submission_id"`
	Status       SubmissionStatus `json:"status"`
	Attempt      int              `json:"attempt"`
	ReceivedAt   time.Time        `json:"received_at"`
	Message      string           `json:"message,omitempty"`
}
