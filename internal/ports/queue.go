package ports

import (
	"context"
	"io"
	"songflow/internal/domain"
	"time"
)

// TaskStore persists scheduled sequence steps.
type TaskStore interface {
	// InsertTasks writes all tasks or none.
	InsertTasks(ctx context.Context, tasks []domain.SequenceTask) error
	ScanDue(ctx context.Context, q domain.DueQuery) ([]domain.SequenceTask, error)
	// Claim reserves a pending task for delivery. Only one caller wins;
	// the others get false.
	Claim(ctx context.Context, id string, at time.Time) (bool, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkError(ctx context.Context, id string, msg string, at time.Time) error
	DeletePendingByLeadAndSequences(ctx context.Context, leadID string, sequenceIDs []string) (int, error)
	// ExpireClaims marks tasks claimed before olderThan and never finished
	// as errored.
	ExpireClaims(ctx context.Context, olderThan, at time.Time) (int, error)
	ListByLead(ctx context.Context, leadID string) ([]domain.SequenceTask, error)
}

// JobStore persists production jobs.
type JobStore interface {
	Create(ctx context.Context, job domain.ProductionJob) (string, error)
	Get(ctx context.Context, id string) (*domain.ProductionJob, error)
	GetByExternalTaskID(ctx context.Context, externalTaskID string) (*domain.ProductionJob, error)
	// Oldest returns up to limit jobs in stage, oldest first.
	Oldest(ctx context.Context, stage domain.Stage, limit int) ([]domain.ProductionJob, error)
	// Transition moves a job from one stage to another only if it is still
	// in from, applying upd in the same write.
	Transition(ctx context.Context, id string, from, to domain.Stage, upd domain.JobUpdate) error
	// RegisterPlay consumes one listen play and returns the new play count.
	RegisterPlay(ctx context.Context, id string) (int, error)
	// MarkHalfHeard sets the half-heard flag once; it reports whether this
	// call was the one that set it.
	MarkHalfHeard(ctx context.Context, id string) (bool, error)
}

type LeadRepository interface {
	Get(ctx context.Context, id string) (*domain.Lead, error)
	UpdateHints(ctx context.Context, id string, hints domain.LeadHints) error
}

type SequenceCatalog interface {
	// Lookup resolves by id, falling back to the trigger name.
	Lookup(ctx context.Context, idOrTrigger string) (*domain.SequenceDefinition, error)
}

// Gateway is the messaging session. Connection lifecycle lives outside the
// engine.
type Gateway interface {
	Status(ctx context.Context) (GatewayStatus, error)
	SupportsRichMedia() bool
	SendText(ctx context.Context, phone, text string) error
	SendAudio(ctx context.Context, phone, url string) error
	SendMedia(ctx context.Context, phone string, kind domain.PayloadKind, url string) error
}

type GatewayStatus struct {
	State     string `json:"state"`
	QR        string `json:"qr,omitempty"`
	RichMedia bool   `json:"rich_media"`
}

type TextRequest struct {
	System   string
	User     string
	MaxChars int
}

type TextGenerator interface {
	Generate(ctx context.Context, req TextRequest) (string, error)
}

type GenerationRequest struct {
	Title       string
	Style       string
	Lyrics      string
	CallbackURL string
}

type AudioGenerator interface {
	// Start submits a song and returns the provider's task id. Completion
	// arrives later through the callback.
	Start(ctx context.Context, req GenerationRequest) (string, error)
}

type Transcoder interface {
	Trim(ctx context.Context, in, out string, d time.Duration) error
	Mix(ctx context.Context, track, overlay, out string, delay time.Duration, gain float64) error
}

type BlobStore interface {
	Upload(ctx context.Context, name, contentType string, r io.Reader) (string, error)
	// Download fetches url into a local temp file and returns its path.
	Download(ctx context.Context, url string) (string, error)
}
