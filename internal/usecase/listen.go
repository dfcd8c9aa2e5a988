package usecase

import (
	"context"
	"fmt"
	"songflow/internal/domain"
)

type PlayResult struct {
	JobID     string `json:"job_id"`
	AudioURL  string `json:"audio_url"`
	PlayCount int    `json:"play_count"`
	Remaining int    `json:"remaining"`
}

func (p *Pipeline) listenJob(ctx context.Context, token string) (*domain.ProductionJob, error) {
	jobID, err := p.Tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	j, err := p.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != domain.StageDelivered {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if j.Listen.Value != token {
		return nil, fmt.Errorf("%w: listen token was replaced", domain.ErrInvalidInput)
	}
	return j, nil
}

// Play consumes one play of a listen token.
func (p *Pipeline) Play(ctx context.Context, token string) (*PlayResult, error) {
	j, err := p.listenJob(ctx, token)
	if err != nil {
		return nil, err
	}
	n, err := p.Jobs.RegisterPlay(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	return &PlayResult{
		JobID:     j.ID,
		AudioURL:  j.FullAudioURL,
		PlayCount: n,
		Remaining: max(j.Listen.MaxPlays-n, 0),
	}, nil
}

// ReportProgress records playback progress. The first report at or past the
// half-heard threshold moves the lead to the listened sequence; it reports
// whether this call fired that transition.
func (p *Pipeline) ReportProgress(ctx context.Context, token string, fraction float64) (bool, error) {
	if fraction < 0 || fraction > 1 {
		return false, fmt.Errorf("%w: fraction must be within [0, 1]", domain.ErrInvalidInput)
	}
	j, err := p.listenJob(ctx, token)
	if err != nil {
		return false, err
	}
	if fraction < p.Cfg.HalfHeardThreshold {
		return false, nil
	}

	first, err := p.Jobs.MarkHalfHeard(ctx, j.ID)
	if err != nil || !first {
		return false, err
	}

	logger := jobLogger(ctx, j)
	logger.Info().Float64("fraction", fraction).Msg("song half heard")
	p.switchSequences(ctx, j.LeadID,
		[]string{p.Cfg.SalesSequence, p.Cfg.DeliveredSequence},
		p.Cfg.ListenedSequence, p.Now(), logger)
	return true, nil
}
