// Package task tracks one background response-generation run per
// conversation. A task is the durable progress record the UI polls
// while the agent works.
package task

import (
	"fmt"
	"time"
)

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAnalyzing    Status = "analyzing"
	StatusToolCalling  Status = "tool_calling"
	StatusSynthesizing Status = "synthesizing"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAnalyzing, StatusToolCalling,
		StatusSynthesizing, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Task is one run of the agent answering one user message.
type Task struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Status         Status    `json:"status"`
	PartialContent string    `json:"partial_content,omitempty"`
	Result         string    `json:"result,omitempty"`
	ResultHTML     string    `json:"result_html,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ProgressMessage maps a task's status and the time since its last
// update to a sentence for the progress indicator. Pure presentation,
// no side effects.
func ProgressMessage(status Status, elapsed time.Duration) string {
	switch status {
	case StatusPending:
		return "Queued..."
	case StatusAnalyzing:
		if elapsed > 20*time.Second {
			return "Still thinking, complex questions take a moment..."
		}
		return "Analyzing your question..."
	case StatusToolCalling:
		if elapsed > 30*time.Second {
			return "Searching is taking longer than usual, hang tight..."
		}
		return "Searching trial registries and drug databases..."
	case StatusSynthesizing:
		return "Putting the answer together..."
	case StatusCompleted:
		return "Done"
	case StatusError:
		return "Something went wrong"
	default:
		return fmt.Sprintf("Working (%s)...", status)
	}
}
