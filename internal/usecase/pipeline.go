package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"songflow/internal/domain"
	"songflow/internal/ports"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// TokenIssuer signs and verifies listen tokens.
type TokenIssuer interface {
	Issue(jobID string) (string, error)
	Parse(token string) (string, error)
}

type PipelineConfig struct {
	CallbackURL         string
	StylePromptMaxChars int
	ClipDuration        time.Duration
	WatermarkPath       string
	WatermarkAt         time.Duration
	WatermarkGain       float64
	ClipConcurrency     int
	WorkDir             string

	ListenBaseURL      string
	MaxPlays           int
	HalfHeardThreshold float64

	SalesSequence     string
	DeliveredSequence string
	ListenedSequence  string
	DeliveredTag      string
}

// Pipeline advances production jobs one stage per call.
type Pipeline struct {
	Jobs      ports.JobStore
	Leads     ports.LeadRepository
	Text      ports.TextGenerator
	Audio     ports.AudioGenerator
	Blobs     ports.BlobStore
	Media     ports.Transcoder
	Deliverer Deliverer
	Sequences SequenceOps
	Tokens    TokenIssuer
	Cfg       PipelineConfig
	Now       func() time.Time
}

// GenerationCallback is the provider's completion notice for one external
// task.
type GenerationCallback struct {
	TaskID    string
	Succeeded bool
	AudioURL  string
	Error     string
}

func (p *Pipeline) oldest(ctx context.Context, stage domain.Stage) (*domain.ProductionJob, error) {
	jobs, err := p.Jobs.Oldest(ctx, stage, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return &jobs[0], nil
}

func jobLogger(ctx context.Context, j *domain.ProductionJob) zerolog.Logger {
	return log.Ctx(ctx).With().Str("job", j.ID).Str("lead", j.LeadID).Str("stage", string(j.Status)).Logger()
}

// fail records err on the job and moves it to the error stage. The returned
// error is the original failure.
func (p *Pipeline) fail(ctx context.Context, j *domain.ProductionJob, cause error) error {
	logger := jobLogger(ctx, j)
	logger.Warn().Err(cause).Msg("production stage failed")
	err := p.Jobs.Transition(ctx, j.ID, j.Status, domain.StageError, domain.JobUpdate{
		FailedStage:  j.Status,
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record stage error")
	}
	return cause
}

// WriteLyrics moves the oldest awaiting-lyrics job to awaiting-prompt.
func (p *Pipeline) WriteLyrics(ctx context.Context) (bool, error) {
	j, err := p.oldest(ctx, domain.StageAwaitingLyrics)
	if err != nil || j == nil {
		return false, err
	}

	lyrics, err := p.Text.Generate(ctx, ports.TextRequest{
		System: "You write heartfelt, singable song lyrics with verses and a chorus. Reply with the lyrics only.",
		User:   lyricsBrief(j),
	})
	if err == nil && strings.TrimSpace(lyrics) == "" {
		err = errors.New("empty lyrics")
	}
	if err != nil {
		return false, p.fail(ctx, j, domain.External("generate lyrics", err))
	}

	if err := p.Jobs.Transition(ctx, j.ID, domain.StageAwaitingLyrics, domain.StageAwaitingPrompt,
		domain.JobUpdate{Lyrics: strings.TrimSpace(lyrics)}); err != nil {
		return false, err
	}
	return true, nil
}

// WritePrompt moves the oldest awaiting-prompt job to awaiting-generation.
func (p *Pipeline) WritePrompt(ctx context.Context) (bool, error) {
	j, err := p.oldest(ctx, domain.StageAwaitingPrompt)
	if err != nil || j == nil {
		return false, err
	}

	limit := p.Cfg.StylePromptMaxChars
	brief := fmt.Sprintf("Genre: %s\nReference artist: %s\nVoice: %s\nOccasion: %s",
		j.Genre, j.Artist, j.VoiceType, j.Purpose)
	style, err := p.Text.Generate(ctx, ports.TextRequest{
		System:   fmt.Sprintf("Describe a music style for a song generator in at most %d characters: genre, mood, instruments, vocal type. Reply with the descriptor only.", limit),
		User:     brief,
		MaxChars: limit,
	})
	style = Truncate(strings.TrimSpace(style), limit)
	if err == nil && style == "" {
		err = errors.New("empty style prompt")
	}
	if err != nil {
		return false, p.fail(ctx, j, domain.External("generate style prompt", err))
	}

	if err := p.Jobs.Transition(ctx, j.ID, domain.StageAwaitingPrompt, domain.StageAwaitingGeneration,
		domain.JobUpdate{StylePrompt: style}); err != nil {
		return false, err
	}
	return true, nil
}

// StartGeneration submits the oldest awaiting-generation job to the audio
// provider and parks it in generation-pending.
func (p *Pipeline) StartGeneration(ctx context.Context) (bool, error) {
	j, err := p.oldest(ctx, domain.StageAwaitingGeneration)
	if err != nil || j == nil {
		return false, err
	}

	taskID, err := p.Audio.Start(ctx, ports.GenerationRequest{
		Title:       songTitle(j),
		Style:       j.StylePrompt,
		Lyrics:      j.Lyrics,
		CallbackURL: p.Cfg.CallbackURL,
	})
	if err == nil && taskID == "" {
		err = errors.New("provider returned no task id")
	}
	if err != nil {
		return false, p.fail(ctx, j, domain.External("start generation", err))
	}

	now := p.Now()
	if err := p.Jobs.Transition(ctx, j.ID, domain.StageAwaitingGeneration, domain.StageGenerationPending,
		domain.JobUpdate{ExternalTaskID: taskID, GenerationStartedAt: &now}); err != nil {
		return false, err
	}
	logger := jobLogger(ctx, j)
	logger.Info().Str("external_task", taskID).Msg("song generation started")
	return true, nil
}

// HandleGenerationCallback stores the rendered song of a generation-pending
// job and moves it to audio-ready. Callbacks for unknown, recovered or
// already-finished tasks return a conflict and change nothing.
func (p *Pipeline) HandleGenerationCallback(ctx context.Context, cb GenerationCallback) error {
	if cb.TaskID == "" {
		return fmt.Errorf("%w: callback without task id", domain.ErrInvalidInput)
	}
	j, err := p.Jobs.GetByExternalTaskID(ctx, cb.TaskID)
	if err != nil {
		return err
	}
	if j.Status != domain.StageGenerationPending || j.ExternalTaskID != cb.TaskID {
		return fmt.Errorf("job %s is %s for task %q: %w", j.ID, j.Status, j.ExternalTaskID, domain.ErrStaleStatus)
	}

	if !cb.Succeeded || cb.AudioURL == "" {
		msg := cb.Error
		if msg == "" {
			msg = "generation finished without audio"
		}
		return p.fail(ctx, j, domain.External("generate song", errors.New(msg)))
	}

	url, err := p.rehost(ctx, cb.AudioURL, fmt.Sprintf("songs/%s/full.mp3", j.ID))
	if err != nil {
		return p.fail(ctx, j, err)
	}

	now := p.Now()
	return p.Jobs.Transition(ctx, j.ID, domain.StageGenerationPending, domain.StageAudioReady,
		domain.JobUpdate{FullAudioURL: url, GeneratedAt: &now})
}

// ProduceClips turns every audio-ready job into a trimmed, watermarked clip.
// Jobs are processed independently; it returns how many advanced.
func (p *Pipeline) ProduceClips(ctx context.Context) (int, error) {
	jobs, err := p.Jobs.Oldest(ctx, domain.StageAudioReady, 0)
	if err != nil || len(jobs) == 0 {
		return 0, err
	}

	done := make([]bool, len(jobs))
	var g errgroup.Group
	g.SetLimit(max(p.Cfg.ClipConcurrency, 1))
	for i := range jobs {
		g.Go(func() error {
			j := &jobs[i]
			clip, err := p.produceClip(ctx, j)
			if err != nil {
				_ = p.fail(ctx, j, err)
				return nil
			}
			if err := p.Jobs.Transition(ctx, j.ID, domain.StageAudioReady, domain.StageReadyToSend,
				domain.JobUpdate{ClipURL: clip}); err != nil {
				logger := jobLogger(ctx, j)
				logger.Error().Err(err).Msg("failed to store clip")
				return nil
			}
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range done {
		if ok {
			n++
		}
	}
	return n, nil
}

func (p *Pipeline) produceClip(ctx context.Context, j *domain.ProductionJob) (string, error) {
	full, err := p.Blobs.Download(ctx, j.FullAudioURL)
	if err != nil {
		return "", domain.External("download full audio", err)
	}
	defer os.Remove(full)

	dir, err := os.MkdirTemp(p.Cfg.WorkDir, "clip-"+j.ID+"-")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	trimmed := filepath.Join(dir, "trimmed.mp3")
	if err := p.Media.Trim(ctx, full, trimmed, p.Cfg.ClipDuration); err != nil {
		return "", domain.External("trim clip", err)
	}
	mixed := filepath.Join(dir, "clip.mp3")
	if err := p.Media.Mix(ctx, trimmed, p.Cfg.WatermarkPath, mixed, p.Cfg.WatermarkAt, p.Cfg.WatermarkGain); err != nil {
		return "", domain.External("mix watermark", err)
	}

	f, err := os.Open(mixed)
	if err != nil {
		return "", fmt.Errorf("open clip: %w", err)
	}
	defer f.Close()
	url, err := p.Blobs.Upload(ctx, fmt.Sprintf("songs/%s/clip.mp3", j.ID), "audio/mpeg", f)
	if err != nil {
		return "", domain.External("upload clip", err)
	}
	return url, nil
}

// SendSong delivers the oldest ready-to-send job: lyrics with a capped listen
// link, then the clip. On success the lead is tagged and moved from the sales
// sequence to the delivered sequence.
func (p *Pipeline) SendSong(ctx context.Context) (bool, error) {
	j, err := p.oldest(ctx, domain.StageReadyToSend)
	if err != nil || j == nil {
		return false, err
	}

	token, err := p.Tokens.Issue(j.ID)
	if err != nil {
		return false, p.fail(ctx, j, err)
	}
	maxPlays := max(p.Cfg.MaxPlays, 1)
	link := strings.TrimRight(p.Cfg.ListenBaseURL, "/") + "/" + token

	// Lyrics go out last, so a failed clip never leaves them already sent.
	if j.ClipURL != "" {
		if err := p.Deliverer.Deliver(ctx, j.LeadID, domain.Payload{Kind: domain.KindClip, Content: j.ClipURL}); err != nil {
			return false, p.fail(ctx, j, err)
		}
	}
	text := fmt.Sprintf("%s\n\nListen to your full song here (%d plays): %s", j.Lyrics, maxPlays, link)
	if err := p.Deliverer.Deliver(ctx, j.LeadID, domain.Payload{Kind: domain.KindText, Content: text}); err != nil {
		return false, p.fail(ctx, j, err)
	}

	now := p.Now()
	if err := p.Jobs.Transition(ctx, j.ID, domain.StageReadyToSend, domain.StageDelivered, domain.JobUpdate{
		ListenToken: token,
		MaxPlays:    maxPlays,
		SentAt:      &now,
	}); err != nil {
		return false, err
	}

	p.afterDelivery(ctx, j, now)
	return true, nil
}

func (p *Pipeline) afterDelivery(ctx context.Context, j *domain.ProductionJob, now time.Time) {
	logger := jobLogger(ctx, j)
	if p.Cfg.DeliveredTag != "" {
		if err := p.Leads.UpdateHints(ctx, j.LeadID, domain.LeadHints{AddTags: []string{p.Cfg.DeliveredTag}}); err != nil {
			logger.Warn().Err(err).Msg("failed to tag lead")
		}
	}
	p.switchSequences(ctx, j.LeadID, []string{p.Cfg.SalesSequence}, p.Cfg.DeliveredSequence, now, logger)
}

func (p *Pipeline) switchSequences(ctx context.Context, leadID string, cancel []string, schedule string, at time.Time, logger zerolog.Logger) {
	var ids []string
	for _, id := range cancel {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if _, err := p.Sequences.CancelSequences(ctx, leadID, ids); err != nil {
		logger.Warn().Err(err).Strs("sequences", ids).Msg("failed to cancel sequences")
	}
	if schedule == "" {
		return
	}
	if _, err := p.Sequences.ScheduleSequence(ctx, leadID, schedule, at); err != nil {
		logger.Warn().Err(err).Str("sequence", schedule).Msg("failed to schedule follow-up sequence")
	}
}

// rehost copies a remote file into the blob store under name.
func (p *Pipeline) rehost(ctx context.Context, src, name string) (string, error) {
	path, err := p.Blobs.Download(ctx, src)
	if err != nil {
		return "", domain.External("download song", err)
	}
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open song: %w", err)
	}
	defer f.Close()

	url, err := p.Blobs.Upload(ctx, name, "audio/mpeg", f)
	if err != nil {
		return "", domain.External("upload song", err)
	}
	return url, nil
}

func lyricsBrief(j *domain.ProductionJob) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write lyrics for a custom song.\nOccasion / purpose: %s\n", j.Purpose)
	if j.Genre != "" {
		fmt.Fprintf(&b, "Genre: %s\n", j.Genre)
	}
	if j.Artist != "" {
		fmt.Fprintf(&b, "In the style of: %s\n", j.Artist)
	}
	if j.VoiceType != "" {
		fmt.Fprintf(&b, "Voice: %s\n", j.VoiceType)
	}
	return b.String()
}

func songTitle(j *domain.ProductionJob) string {
	t := strings.TrimSpace(j.Purpose)
	if t == "" {
		t = "Custom song"
	}
	return Truncate(t, 80)
}

// Truncate cuts s to at most n runes, preferring the last word boundary.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	cut := string(r[:n])
	if i := strings.LastIndexAny(cut, " ,;"); i > n/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
