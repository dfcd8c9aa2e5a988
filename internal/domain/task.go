package domain

import (
	"strings"
	"time"
)

type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusSent    TaskStatus = "sent"
	StatusError   TaskStatus = "error"
)

// PayloadKind is the closed set of outbound message kinds.
type PayloadKind string

const (
	KindText  PayloadKind = "text"
	KindForm  PayloadKind = "form"
	KindAudio PayloadKind = "audio"
	KindClip  PayloadKind = "clip"
	KindImage PayloadKind = "image"
	KindVideo PayloadKind = "video"
)

var kindAliases = map[string]PayloadKind{
	"text":   KindText,
	"texto":  KindText,
	"form":   KindForm,
	"audio":  KindAudio,
	"clip":   KindClip,
	"image":  KindImage,
	"imagen": KindImage,
	"video":  KindVideo,
}

// ParseKind maps a stored kind tag onto the closed set. Unknown tags fall
// back to text.
func ParseKind(s string) PayloadKind {
	if k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k
	}
	return KindText
}

type Payload struct {
	Kind    PayloadKind `json:"kind" yaml:"kind"`
	Content string      `json:"content" yaml:"content"`
}

// SequenceTask is one scheduled message step for a lead.
type SequenceTask struct {
	ID           string     `json:"id"`
	LeadID       string     `json:"lead_id"`
	SequenceID   string     `json:"sequence_id"`
	StepIndex    int        `json:"step_index"`
	Payload      Payload    `json:"payload"`
	DueAt        time.Time  `json:"due_at"`
	Status       TaskStatus `json:"status"`
	Shard        int        `json:"shard"`
	CreatedAt    time.Time  `json:"created_at"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// DueQuery selects pending tasks whose due time has passed.
type DueQuery struct {
	Now   time.Time
	Limit int
	// Shard restricts the scan to one shard when non-nil.
	Shard *int
}
