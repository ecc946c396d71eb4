package model

import (
	"encoding/json"
	"time"
)

// Task is a unit of work issued once to every team.
//
// Seq is the ordering key: tasks are issued in ascending Seq order. CreatedAt
// gates eligibility; a task cannot be issued before it. Content is opaque JSON
// and is delivered exactly as stored.
type Task struct {
	ID          int64           `json:"task_id"`
	Seq         int64           `json:"seq"`
	Name        string          `json:"name"`
	Content     json.RawMessage `json:"content"`
	Issued      bool            `json:"issued"`
	IssuedAt    *time.Time      `json:"issued_at"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DefaultMaxAttempts is used when a dataset item does not specify its own limit.
const DefaultMaxAttempts = 3

// TaskFilter selects tasks in list and count queries. Nil fields match everything.
type TaskFilter struct {
	Issued *bool
}

// IssuedOnly returns a filter matching issued tasks.
func IssuedOnly() TaskFilter {
	v := true
	return TaskFilter{Issued: &v}
}

// UnissuedOnly returns a filter matching tasks that have not been issued yet.
func UnissuedOnly() TaskFilter {
	v := false
	return TaskFilter{Issued: &v}
}

// TaskAnnouncement is the payload of a new_task message.
type TaskAnnouncement struct {
	TaskID      int64           `json:"task_id"`
	Name        string          `json:"name"`
	Content     json.RawMessage `json:"content"`
	MaxAttempts int             `json:"max_attempts"`
	IssuedAt    *time.Time      `json:"issued_at"`
	Remaining   int             `json:"remaining"`
}

// NewTaskAnnouncement builds the announcement for an issued task.
func NewTaskAnnouncement(t *Task, remaining int) TaskAnnouncement {
	return TaskAnnouncement{
		TaskID:      t.ID,
		Name:        t.Name,
		Content:     t.Content,
		MaxAttempts: t.MaxAttempts,
		IssuedAt:    t.IssuedAt,
		Remaining:   remaining,
	}
}

// AvailableTasks is the payload of an available_tasks message, sent to a team
// when it (re)connects so it can catch up on everything issued so far.
type AvailableTasks struct {
	Tasks          []TaskAnnouncement `json:"tasks"`
	TotalIssued    int                `json:"total_issued"`
	MaxTasks       int                `json:"max_tasks"`
	RemainingTasks int                `json:"remaining_tasks"`
}

// NewAvailableTasks builds the catch-up payload from the issued tasks in order.
func NewAvailableTasks(issued []*Task, total int) AvailableTasks {
	out := AvailableTasks{
		Tasks:          make([]TaskAnnouncement, 0, len(issued)),
		TotalIssued:    len(issued),
		MaxTasks:       total,
		RemainingTasks: total - len(issued),
	}
	for _, t := range issued {
		out.Tasks = append(out.Tasks, NewTaskAnnouncement(t, out.RemainingTasks))
	}
	return out
}
