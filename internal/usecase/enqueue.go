package usecase

import (
	"context"
	"fmt"
	"math/rand/v2"
	"songflow/internal/domain"
	"songflow/internal/ports"
	"time"

	"github.com/rs/zerolog/log"
)

// SequenceOps is the part of the Sequencer the pipeline calls back into.
type SequenceOps interface {
	ScheduleSequence(ctx context.Context, leadID, sequenceID string, startAt time.Time) (int, error)
	CancelSequences(ctx context.Context, leadID string, sequenceIDs []string) (int, error)
}

// Sequencer schedules, cancels and dispatches per-lead message sequences.
type Sequencer struct {
	Tasks       ports.TaskStore
	Catalog     ports.SequenceCatalog
	Leads       ports.LeadRepository
	Deliverer   Deliverer
	ShardCount  int
	Concurrency int
	Now         func() time.Time
	Shard       func(n int) int
}

func NewSequencer(tasks ports.TaskStore, catalog ports.SequenceCatalog, leads ports.LeadRepository, d Deliverer, shards, concurrency int) *Sequencer {
	return &Sequencer{
		Tasks:       tasks,
		Catalog:     catalog,
		Leads:       leads,
		Deliverer:   d,
		ShardCount:  shards,
		Concurrency: concurrency,
		Now:         time.Now,
		Shard:       rand.IntN,
	}
}

var _ SequenceOps = (*Sequencer)(nil)

func (s *Sequencer) ScheduleSequence(ctx context.Context, leadID, sequenceID string, startAt time.Time) (int, error) {
	if leadID == "" || sequenceID == "" {
		return 0, fmt.Errorf("%w: lead id and sequence id are required", domain.ErrInvalidInput)
	}

	def, err := s.Catalog.Lookup(ctx, sequenceID)
	if err != nil {
		return 0, err
	}
	if !def.Schedulable() {
		log.Ctx(ctx).Info().Str("lead", leadID).Str("sequence", sequenceID).Msg("sequence inactive or empty, nothing scheduled")
		return 0, nil
	}

	now := s.Now()
	shards := max(s.ShardCount, 1)
	tasks := make([]domain.SequenceTask, len(def.Steps))
	next := def.DueAt(startAt, 0)
	for i, step := range def.Steps {
		due := def.DueAt(startAt, i)
		if due.Before(next) {
			next = due
		}
		tasks[i] = domain.SequenceTask{
			LeadID:     leadID,
			SequenceID: def.ID,
			StepIndex:  i,
			Payload:    domain.Payload{Kind: step.Kind, Content: step.Content},
			DueAt:      due,
			Status:     domain.StatusPending,
			Shard:      s.Shard(shards),
			CreatedAt:  now,
		}
	}

	if err := s.Tasks.InsertTasks(ctx, tasks); err != nil {
		return 0, err
	}

	active := true
	if err := s.Leads.UpdateHints(ctx, leadID, domain.LeadHints{HasActiveSequences: &active, NextActionAt: &next}); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("lead", leadID).Msg("failed to update lead sequence hints")
	}

	log.Ctx(ctx).Info().
		Str("lead", leadID).
		Str("sequence", def.ID).
		Int("steps", len(tasks)).
		Time("start_at", startAt).
		Msg("sequence scheduled")
	return len(tasks), nil
}

func (s *Sequencer) CancelSequences(ctx context.Context, leadID string, sequenceIDs []string) (int, error) {
	if leadID == "" || len(sequenceIDs) == 0 {
		return 0, nil
	}
	n, err := s.Tasks.DeletePendingByLeadAndSequences(ctx, leadID, sequenceIDs)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Ctx(ctx).Info().Str("lead", leadID).Strs("sequences", sequenceIDs).Int("cancelled", n).Msg("sequences cancelled")
	}
	return n, nil
}
