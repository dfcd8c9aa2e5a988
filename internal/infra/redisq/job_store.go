package redisq

import (
	"context"
	"errors"
	"fmt"
	"songflow/internal/domain"
	"songflow/internal/ports"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ ports.JobStore = (*JobStore)(nil)

// transitionScript moves a job between stage sets if its status still
// matches. ARGV: from, to, id, ext key prefix, n, then n field/value pairs,
// then fields to delete. Deleting external_task_id also drops its index
// entry. An optional KEYS[4] indexes a new external task id.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return -1 end
if cur ~= ARGV[1] then return 0 end
local created = redis.call('HGET', KEYS[1], 'created_at')
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], created, ARGV[3])
redis.call('HSET', KEYS[1], 'status', ARGV[2])
local n = tonumber(ARGV[5])
local i = 6
for _ = 1, n do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
  i = i + 2
end
while i <= #ARGV do
  if ARGV[i] == 'external_task_id' then
    local old = redis.call('HGET', KEYS[1], 'external_task_id')
    if old and old ~= '' then redis.call('DEL', ARGV[4] .. old) end
  end
  redis.call('HDEL', KEYS[1], ARGV[i])
  i = i + 1
end
if #KEYS >= 4 then redis.call('SET', KEYS[4], ARGV[3]) end
return 1
`)

var playScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -2 end
if redis.call('HGET', KEYS[1], 'listen_disabled') == '1' then return -1 end
local max = tonumber(redis.call('HGET', KEYS[1], 'listen_max_plays') or '0')
local n = tonumber(redis.call('HGET', KEYS[1], 'listen_play_count') or '0')
if n >= max then
  redis.call('HSET', KEYS[1], 'listen_disabled', '1')
  return -1
end
n = redis.call('HINCRBY', KEYS[1], 'listen_play_count', 1)
if n >= max then redis.call('HSET', KEYS[1], 'listen_disabled', '1') end
return n
`)

var halfHeardScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
return redis.call('HSETNX', KEYS[1], 'listen_half_heard', '1')
`)

// JobStore keeps production jobs in Redis: one hash per job and one ZSET per
// stage scored by creation time, so the oldest job of a stage is the head.
type JobStore struct {
	C   *Client
	Now func() time.Time
}

func NewJobStore(c *Client) *JobStore {
	return &JobStore{C: c, Now: time.Now}
}

func (s *JobStore) jobKey(id string) string { return s.C.key("job", id) }
func (s *JobStore) stageKey(st domain.Stage) string { return s.C.key("stage", string(st)) }
func (s *JobStore) extKey(taskID string) string { return s.C.key("ext", taskID) }

func (s *JobStore) Create(ctx context.Context, job domain.ProductionJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = domain.StageAwaitingLyrics
	}
	if !job.Status.Valid() {
		return "", fmt.Errorf("%w: unknown stage %q", domain.ErrInvalidInput, job.Status)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.Now()
	}

	_, err := s.C.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.jobKey(job.ID), encodeJob(job))
		p.ZAdd(ctx, s.stageKey(job.Status), redis.Z{Score: float64(ms(job.CreatedAt)), Member: job.ID})
		if job.ExternalTaskID != "" {
			p.Set(ctx, s.extKey(job.ExternalTaskID), job.ID, 0)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return job.ID, nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*domain.ProductionJob, error) {
	h, err := s.C.Rdb.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	job := decodeJob(h)
	return &job, nil
}

func (s *JobStore) GetByExternalTaskID(ctx context.Context, externalTaskID string) (*domain.ProductionJob, error) {
	id, err := s.C.Rdb.Get(ctx, s.extKey(externalTaskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: external task %s", domain.ErrJobNotFound, externalTaskID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup external task %s: %w", externalTaskID, err)
	}
	return s.Get(ctx, id)
}

func (s *JobStore) Oldest(ctx context.Context, stage domain.Stage, limit int) ([]domain.ProductionJob, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.C.Rdb.ZRange(ctx, s.stageKey(stage), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", stage, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.C.Rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s jobs: %w", stage, err)
	}

	jobs := make([]domain.ProductionJob, 0, len(ids))
	for _, c := range cmds {
		h := c.Val()
		if len(h) == 0 || h["status"] != string(stage) {
			continue
		}
		jobs = append(jobs, decodeJob(h))
	}
	return jobs, nil
}

func (s *JobStore) Transition(ctx context.Context, id string, from, to domain.Stage, upd domain.JobUpdate) error {
	if err := domain.CheckTransition(from, to); err != nil {
		return err
	}

	set := updateFields(upd)
	args := make([]any, 0, 5+len(set)+len(upd.Clear))
	args = append(args, string(from), string(to), id, s.extKey(""), len(set)/2)
	args = append(args, set...)
	for _, f := range upd.Clear {
		args = append(args, string(f))
	}

	keys := []string{s.jobKey(id), s.stageKey(from), s.stageKey(to)}
	if upd.ExternalTaskID != "" {
		keys = append(keys, s.extKey(upd.ExternalTaskID))
	}

	n, err := transitionScript.Run(ctx, s.C.Rdb, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("transition job %s %s -> %s: %w", id, from, to, err)
	}
	switch n {
	case -1:
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	case 0:
		return fmt.Errorf("job %s not in %s: %w", id, from, domain.ErrStaleStatus)
	}
	return nil
}

func (s *JobStore) RegisterPlay(ctx context.Context, id string) (int, error) {
	n, err := playScript.Run(ctx, s.C.Rdb, []string{s.jobKey(id)}).Int()
	if err != nil {
		return 0, fmt.Errorf("register play for job %s: %w", id, err)
	}
	switch n {
	case -2:
		return 0, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	case -1:
		return 0, domain.ErrListenExhausted
	}
	return n, nil
}

func (s *JobStore) MarkHalfHeard(ctx context.Context, id string) (bool, error) {
	n, err := halfHeardScript.Run(ctx, s.C.Rdb, []string{s.jobKey(id)}).Int()
	if err != nil {
		return false, fmt.Errorf("mark job %s half heard: %w", id, err)
	}
	if n == -1 {
		return false, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return n == 1, nil
}

func updateFields(u domain.JobUpdate) []any {
	var f []any
	str := func(k, v string) {
		if v != "" {
			f = append(f, k, v)
		}
	}
	at := func(k string, t *time.Time) {
		if t != nil {
			f = append(f, k, ms(*t))
		}
	}
	str("lyrics", u.Lyrics)
	str("style_prompt", u.StylePrompt)
	str("external_task_id", u.ExternalTaskID)
	str("full_audio_url", u.FullAudioURL)
	str("clip_url", u.ClipURL)
	str("listen_token", u.ListenToken)
	if u.MaxPlays > 0 {
		f = append(f, "listen_max_plays", u.MaxPlays, "listen_play_count", 0, "listen_disabled", "0")
	}
	at("generation_started_at", u.GenerationStartedAt)
	at("generated_at", u.GeneratedAt)
	at("sent_at", u.SentAt)
	str("failed_stage", string(u.FailedStage))
	str("error_message", u.ErrorMessage)
	return f
}

func encodeJob(j domain.ProductionJob) map[string]any {
	m := map[string]any{
		"id":                j.ID,
		"lead_id":           j.LeadID,
		"lead_phone":        j.LeadPhone,
		"purpose":           j.Purpose,
		"genre":             j.Genre,
		"artist":            j.Artist,
		"voice_type":        j.VoiceType,
		"status":            string(j.Status),
		"lyrics":            j.Lyrics,
		"style_prompt":      j.StylePrompt,
		"external_task_id":  j.ExternalTaskID,
		"full_audio_url":    j.FullAudioURL,
		"clip_url":          j.ClipURL,
		"listen_token":      j.Listen.Value,
		"listen_play_count": j.Listen.PlayCount,
		"listen_max_plays":  j.Listen.MaxPlays,
		"listen_disabled":   boolFlag(j.Listen.Disabled),
		"created_at":        ms(j.CreatedAt),
		"error_message":     j.ErrorMessage,
		"failed_stage":      string(j.FailedStage),
	}
	if j.Listen.HalfHeard {
		m["listen_half_heard"] = "1"
	}
	if j.GenerationStartedAt != nil {
		m["generation_started_at"] = ms(*j.GenerationStartedAt)
	}
	return m
}

func decodeJob(h map[string]string) domain.ProductionJob {
	return domain.ProductionJob{
		ID:             h["id"],
		LeadID:         h["lead_id"],
		LeadPhone:      h["lead_phone"],
		Purpose:        h["purpose"],
		Genre:          h["genre"],
		Artist:         h["artist"],
		VoiceType:      h["voice_type"],
		Status:         domain.Stage(h["status"]),
		Lyrics:         h["lyrics"],
		StylePrompt:    h["style_prompt"],
		ExternalTaskID: h["external_task_id"],
		FullAudioURL:   h["full_audio_url"],
		ClipURL:        h["clip_url"],
		Listen: domain.ListenToken{
			Value:     h["listen_token"],
			PlayCount: atoi(h["listen_play_count"]),
			MaxPlays:  atoi(h["listen_max_plays"]),
			Disabled:  h["listen_disabled"] == "1",
			HalfHeard: h["listen_half_heard"] == "1",
		},
		CreatedAt:           fromMs(h["created_at"]),
		GenerationStartedAt: optMs(h["generation_started_at"]),
		GeneratedAt:         optMs(h["generated_at"]),
		SentAt:              optMs(h["sent_at"]),
		FailedStage:         domain.Stage(h["failed_stage"]),
		ErrorMessage:        h["error_message"],
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
