package redisq

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"songflow/internal/domain"
	"songflow/internal/ports"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ ports.TaskStore = (*TaskStore)(nil)

// claimScript takes a pending task out of its due set. Only the first caller
// sees 1.
var claimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then return 0 end
if redis.call('HEXISTS', KEYS[1], 'claimed_at') == 1 then return 0 end
redis.call('ZREM', redis.call('HGET', KEYS[1], 'due_key'), redis.call('HGET', KEYS[1], 'member'))
redis.call('HSET', KEYS[1], 'claimed_at', ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// finishScript moves a task out of pending. Returns -1 when the task is
// gone and 0 when it is no longer pending.
var finishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then return 0 end
redis.call('ZREM', redis.call('HGET', KEYS[1], 'due_key'), redis.call('HGET', KEYS[1], 'member'))
redis.call('SREM', redis.call('HGET', KEYS[1], 'pending_key'), ARGV[4])
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'processed_at', ARGV[2], 'error', ARGV[3])
return 1
`)

// deleteScript removes, in one atomic step, every listed task that is still
// pending, unclaimed and still belongs to the listed sequence. A claimed task
// is being delivered and is left for its worker to mark. KEYS are the task
// hashes; ARGV holds id/sequence pairs.
var deleteScript = redis.NewScript(`
local deleted = 0
for i = 1, #KEYS do
  local id = ARGV[(i - 1) * 2 + 1]
  local seq = ARGV[(i - 1) * 2 + 2]
  if redis.call('HGET', KEYS[i], 'status') == 'pending'
    and redis.call('HEXISTS', KEYS[i], 'claimed_at') == 0
    and redis.call('HGET', KEYS[i], 'sequence_id') == seq then
    redis.call('ZREM', redis.call('HGET', KEYS[i], 'due_key'), redis.call('HGET', KEYS[i], 'member'))
    redis.call('SREM', redis.call('HGET', KEYS[i], 'pending_key'), id)
    redis.call('SREM', redis.call('HGET', KEYS[i], 'all_key'), id)
    redis.call('DEL', KEYS[i])
    deleted = deleted + 1
  end
end
return deleted
`)

// TaskStore keeps sequence tasks in Redis: one hash per task, one due ZSET
// per shard scored by due time, and per-lead sets for cancellation.
type TaskStore struct {
	C      *Client
	Shards int
}

func NewTaskStore(c *Client, shards int) *TaskStore {
	if shards <= 0 {
		shards = 1
	}
	return &TaskStore{C: c, Shards: shards}
}

func (s *TaskStore) taskKey(id string) string { return s.C.key("task", id) }
func (s *TaskStore) dueKey(shard int) string { return s.C.key("due", strconv.Itoa(shard)) }
func (s *TaskStore) claimedKey() string { return s.C.key("claimed") }
func (s *TaskStore) pendingKey(lead string) string { return s.C.key("lead", lead, "pending") }
func (s *TaskStore) allKey(lead string) string { return s.C.key("lead", lead, "tasks") }

func (s *TaskStore) InsertTasks(ctx context.Context, tasks []domain.SequenceTask) error {
	if len(tasks) == 0 {
		return nil
	}

	last, err := s.C.Rdb.IncrBy(ctx, s.C.key("task", "seq"), int64(len(tasks))).Result()
	if err != nil {
		return fmt.Errorf("reserve task sequence: %w", err)
	}
	first := last - int64(len(tasks)) + 1

	_, err = s.C.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i := range tasks {
			t := &tasks[i]
			if t.ID == "" {
				t.ID = uuid.NewString()
			}
			if t.Status == "" {
				t.Status = domain.StatusPending
			}
			shard := ((t.Shard % s.Shards) + s.Shards) % s.Shards
			member := fmt.Sprintf("%016d:%s", first+int64(i), t.ID)

			p.HSet(ctx, s.taskKey(t.ID), map[string]any{
				"id":          t.ID,
				"lead_id":     t.LeadID,
				"sequence_id": t.SequenceID,
				"step_index":  t.StepIndex,
				"kind":        string(t.Payload.Kind),
				"content":     t.Payload.Content,
				"due_at":      ms(t.DueAt),
				"status":      string(t.Status),
				"shard":       shard,
				"created_at":  ms(t.CreatedAt),
				"member":      member,
				"due_key":     s.dueKey(shard),
				"pending_key": s.pendingKey(t.LeadID),
				"all_key":     s.allKey(t.LeadID),
			})
			p.ZAdd(ctx, s.dueKey(shard), redis.Z{Score: float64(ms(t.DueAt)), Member: member})
			p.SAdd(ctx, s.pendingKey(t.LeadID), t.ID)
			p.SAdd(ctx, s.allKey(t.LeadID), t.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert %d tasks: %w", len(tasks), err)
	}
	return nil
}

type dueEntry struct {
	member string
	score  float64
}

func (s *TaskStore) ScanDue(ctx context.Context, q domain.DueQuery) ([]domain.SequenceTask, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	shards := make([]int, 0, s.Shards)
	if q.Shard != nil {
		shards = append(shards, *q.Shard)
	} else {
		for i := 0; i < s.Shards; i++ {
			shards = append(shards, i)
		}
	}

	var entries []dueEntry
	for _, shard := range shards {
		zs, err := s.C.Rdb.ZRangeByScoreWithScores(ctx, s.dueKey(shard), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   fmtInt(ms(q.Now)),
			Count: int64(q.Limit),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("scan shard %d: %w", shard, err)
		}
		for _, z := range zs {
			entries = append(entries, dueEntry{member: z.Member.(string), score: z.Score})
		}
	}

	// members are zero-padded insertion counters, so lexical order breaks
	// due-time ties by insertion order
	slices.SortFunc(entries, func(a, b dueEntry) int {
		if a.score != b.score {
			if a.score < b.score {
				return -1
			}
			return 1
		}
		if a.member < b.member {
			return -1
		}
		if a.member > b.member {
			return 1
		}
		return 0
	})
	if len(entries) > q.Limit {
		entries = entries[:q.Limit]
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, memberID(e.member))
	}
	tasks, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := tasks[:0]
	for _, t := range tasks {
		if t.Status == domain.StatusPending && !t.DueAt.After(q.Now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *TaskStore) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := claimScript.Run(ctx, s.C.Rdb, []string{s.taskKey(id), s.claimedKey()}, ms(at), id).Int()
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *TaskStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.finish(ctx, id, domain.StatusSent, "", at)
}

func (s *TaskStore) MarkError(ctx context.Context, id string, msg string, at time.Time) error {
	return s.finish(ctx, id, domain.StatusError, msg, at)
}

func (s *TaskStore) finish(ctx context.Context, id string, status domain.TaskStatus, msg string, at time.Time) error {
	n, err := finishScript.Run(ctx, s.C.Rdb, []string{s.taskKey(id), s.claimedKey()},
		string(status), ms(at), msg, id).Int()
	if err != nil {
		return fmt.Errorf("mark task %s %s: %w", id, status, err)
	}
	switch n {
	case -1:
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	case 0:
		return fmt.Errorf("task %s: %w", id, domain.ErrStaleStatus)
	}
	return nil
}

func (s *TaskStore) DeletePendingByLeadAndSequences(ctx context.Context, leadID string, sequenceIDs []string) (int, error) {
	if leadID == "" || len(sequenceIDs) == 0 {
		return 0, nil
	}

	ids, err := s.C.Rdb.SMembers(ctx, s.pendingKey(leadID)).Result()
	if err != nil {
		return 0, fmt.Errorf("read pending tasks for lead %s: %w", leadID, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	seqs, err := s.fieldOf(ctx, ids, "sequence_id")
	if err != nil {
		return 0, err
	}

	type victim struct{ id, seq string }
	var victims []victim
	for i, id := range ids {
		if slices.Contains(sequenceIDs, seqs[i]) {
			victims = append(victims, victim{id: id, seq: seqs[i]})
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(victims))
	args := make([]any, 0, 2*len(victims))
	for _, v := range victims {
		keys = append(keys, s.taskKey(v.id))
		args = append(args, v.id, v.seq)
	}
	deleted, err := deleteScript.Run(ctx, s.C.Rdb, keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("delete pending tasks for lead %s: %w", leadID, err)
	}
	return deleted, nil
}

func (s *TaskStore) ExpireClaims(ctx context.Context, olderThan, at time.Time) (int, error) {
	ids, err := s.C.Rdb.ZRangeByScore(ctx, s.claimedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmtInt(ms(olderThan)),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read claimed tasks: %w", err)
	}

	expired := 0
	for _, id := range ids {
		err := s.MarkError(ctx, id, "claim expired before delivery finished", at)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConflict):
			_ = s.C.Rdb.ZRem(ctx, s.claimedKey(), id).Err()
		default:
			return expired, err
		}
	}
	return expired, nil
}

func (s *TaskStore) ListByLead(ctx context.Context, leadID string) ([]domain.SequenceTask, error) {
	ids, err := s.C.Rdb.SMembers(ctx, s.allKey(leadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read tasks for lead %s: %w", leadID, err)
	}
	tasks, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(tasks, func(a, b domain.SequenceTask) int {
		if c := a.DueAt.Compare(b.DueAt); c != 0 {
			return c
		}
		return a.StepIndex - b.StepIndex
	})
	return tasks, nil
}

func (s *TaskStore) load(ctx context.Context, ids []string) ([]domain.SequenceTask, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.C.Rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.taskKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	tasks := make([]domain.SequenceTask, 0, len(ids))
	for _, c := range cmds {
		h := c.Val()
		if len(h) == 0 {
			continue
		}
		tasks = append(tasks, decodeTask(h))
	}
	return tasks, nil
}

func (s *TaskStore) fieldOf(ctx context.Context, ids []string, field string) ([]string, error) {
	cmds := make([]*redis.StringCmd, len(ids))
	_, err := s.C.Rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGet(ctx, s.taskKey(id), field)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read task %s: %w", field, err)
	}
	out := make([]string, len(ids))
	for i, c := range cmds {
		out[i] = c.Val()
	}
	return out, nil
}

func decodeTask(h map[string]string) domain.SequenceTask {
	return domain.SequenceTask{
		ID:         h["id"],
		LeadID:     h["lead_id"],
		SequenceID: h["sequence_id"],
		StepIndex:  atoi(h["step_index"]),
		Payload: domain.Payload{
			Kind:    domain.ParseKind(h["kind"]),
			Content: h["content"],
		},
		DueAt:        fromMs(h["due_at"]),
		Status:       domain.TaskStatus(h["status"]),
		Shard:        atoi(h["shard"]),
		CreatedAt:    fromMs(h["created_at"]),
		ClaimedAt:    optMs(h["claimed_at"]),
		ProcessedAt:  optMs(h["processed_at"]),
		ErrorMessage: h["error"],
	}
}

func memberID(member string) string {
	_, id, ok := strings.Cut(member, ":")
	if !ok {
		return member
	}
	return id
}
