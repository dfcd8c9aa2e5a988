package domain

import (
	"fmt"
	"time"
)

// Stage is the production state of a song order.
type Stage string

const (
	StageAwaitingLyrics     Stage = "awaiting-lyrics"
	StageAwaitingPrompt     Stage = "awaiting-prompt"
	StageAwaitingGeneration Stage = "awaiting-generation"
	StageGenerationPending  Stage = "generation-pending"
	StageAudioReady         Stage = "audio-ready"
	StageReadyToSend        Stage = "ready-to-send"
	StageDelivered          Stage = "delivered"
	StageError              Stage = "error"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{
	StageAwaitingLyrics,
	StageAwaitingPrompt,
	StageAwaitingGeneration,
	StageGenerationPending,
	StageAudioReady,
	StageReadyToSend,
	StageDelivered,
	StageError,
}

// Transitions is the table of allowed stage moves. Every working stage may
// fail into StageError; StageError returns to the stage that failed only
// through an explicit operator retry.
var Transitions = map[Stage][]Stage{
	StageAwaitingLyrics:     {StageAwaitingPrompt, StageError},
	StageAwaitingPrompt:     {StageAwaitingGeneration, StageError},
	StageAwaitingGeneration: {StageGenerationPending, StageError},
	StageGenerationPending:  {StageAudioReady, StageAwaitingGeneration, StageError},
	StageAudioReady:         {StageReadyToSend, StageError},
	StageReadyToSend:        {StageDelivered, StageError},
	StageError: {
		StageAwaitingLyrics,
		StageAwaitingPrompt,
		StageAwaitingGeneration,
		StageAudioReady,
		StageReadyToSend,
	},
}

func (s Stage) Valid() bool {
	_, ok := Transitions[s]
	return ok || s == StageDelivered
}

func (s Stage) Terminal() bool { return s == StageDelivered || s == StageError }

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Stage) bool {
	for _, next := range Transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition for moves outside the table.
func CheckTransition(from, to Stage) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ListenToken gates playback of a delivered song.
type ListenToken struct {
	Value     string `json:"value"`
	PlayCount int    `json:"play_count"`
	MaxPlays  int    `json:"max_plays"`
	Disabled  bool   `json:"disabled"`
	HalfHeard bool   `json:"half_heard"`
}

func (t ListenToken) Remaining() int {
	if t.Disabled || t.PlayCount >= t.MaxPlays {
		return 0
	}
	return t.MaxPlays - t.PlayCount
}

// ProductionJob is one in-flight song order.
type ProductionJob struct {
	ID        string `json:"id"`
	LeadID    string `json:"lead_id"`
	LeadPhone string `json:"lead_phone"`
	Purpose   string `json:"purpose"`
	Genre     string `json:"genre"`
	Artist    string `json:"artist"`
	VoiceType string `json:"voice_type"`

	Status         Stage       `json:"status"`
	Lyrics         string      `json:"lyrics,omitempty"`
	StylePrompt    string      `json:"style_prompt,omitempty"`
	ExternalTaskID string      `json:"external_task_id,omitempty"`
	FullAudioURL   string      `json:"full_audio_url,omitempty"`
	ClipURL        string      `json:"clip_url,omitempty"`
	Listen         ListenToken `json:"listen"`

	CreatedAt           time.Time  `json:"created_at"`
	GenerationStartedAt *time.Time `json:"generation_started_at,omitempty"`
	GeneratedAt         *time.Time `json:"generated_at,omitempty"`
	SentAt              *time.Time `json:"sent_at,omitempty"`
	FailedStage         Stage      `json:"failed_stage,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
}

// JobUpdate carries the fields written together with a stage transition.
// Empty strings and nil times leave the stored value untouched unless the
// field is listed in Clear.
type JobUpdate struct {
	Lyrics              string
	StylePrompt         string
	ExternalTaskID      string
	FullAudioURL        string
	ClipURL             string
	ListenToken         string
	MaxPlays            int
	GenerationStartedAt *time.Time
	GeneratedAt         *time.Time
	SentAt              *time.Time
	FailedStage         Stage
	ErrorMessage        string
	Clear               []JobField
}

// JobField names a clearable job field.
type JobField string

const (
	FieldExternalTaskID      JobField = "external_task_id"
	FieldErrorMessage        JobField = "error_message"
	FieldFailedStage         JobField = "failed_stage"
	FieldGenerationStartedAt JobField = "generation_started_at"
)
