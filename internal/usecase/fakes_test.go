package usecase

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"songflow/internal/domain"
	"songflow/internal/ports"
	"sort"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memTasks keeps the ordering and claim rules of the Redis task store.
type memTasks struct {
	mu    sync.Mutex
	seq   int
	tasks map[string]*domain.SequenceTask
	order map[string]int
}

func newMemTasks() *memTasks {
	return &memTasks{tasks: map[string]*domain.SequenceTask{}, order: map[string]int{}}
}

func (m *memTasks) InsertTasks(_ context.Context, tasks []domain.SequenceTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		m.seq++
		if t.ID == "" {
			t.ID = fmt.Sprintf("task-%d", m.seq)
		}
		m.tasks[t.ID] = &t
		m.order[t.ID] = m.seq
	}
	return nil
}

func (m *memTasks) ScanDue(_ context.Context, q domain.DueQuery) ([]domain.SequenceTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SequenceTask
	for _, t := range m.tasks {
		if t.Status != domain.StatusPending || t.ClaimedAt != nil || t.DueAt.After(q.Now) {
			continue
		}
		if q.Shard != nil && t.Shard != *q.Shard {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return m.order[out[i].ID] < m.order[out[j].ID]
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memTasks) Claim(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != domain.StatusPending || t.ClaimedAt != nil {
		return false, nil
	}
	t.ClaimedAt = &at
	return true, nil
}

func (m *memTasks) finish(id string, st domain.TaskStatus, msg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if t.Status != domain.StatusPending {
		return domain.ErrStaleStatus
	}
	t.Status = st
	t.ErrorMessage = msg
	t.ProcessedAt = &at
	return nil
}

func (m *memTasks) MarkSent(_ context.Context, id string, at time.Time) error {
	return m.finish(id, domain.StatusSent, "", at)
}

func (m *memTasks) MarkError(_ context.Context, id, msg string, at time.Time) error {
	return m.finish(id, domain.StatusError, msg, at)
}

func (m *memTasks) DeletePendingByLeadAndSequences(_ context.Context, leadID string, sequenceIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.LeadID == leadID && t.Status == domain.StatusPending && t.ClaimedAt == nil && slices.Contains(sequenceIDs, t.SequenceID) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *memTasks) ExpireClaims(_ context.Context, olderThan, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == domain.StatusPending && t.ClaimedAt != nil && t.ClaimedAt.Before(olderThan) {
			t.Status = domain.StatusError
			t.ErrorMessage = "claim expired"
			t.ProcessedAt = &at
			n++
		}
	}
	return n, nil
}

func (m *memTasks) ListByLead(_ context.Context, leadID string) ([]domain.SequenceTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SequenceTask
	for _, t := range m.tasks {
		if t.LeadID == leadID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] < m.order[out[j].ID] })
	return out, nil
}

func (m *memTasks) all() []domain.SequenceTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SequenceTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] < m.order[out[j].ID] })
	return out
}

var _ ports.TaskStore = (*memTasks)(nil)

type memJobs struct {
	mu   sync.Mutex
	seq  int
	jobs map[string]*domain.ProductionJob
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[string]*domain.ProductionJob{}} }

func (m *memJobs) Create(_ context.Context, job domain.ProductionJob) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", m.seq)
	}
	if job.Status == "" {
		job.Status = domain.StageAwaitingLyrics
	}
	m.jobs[job.ID] = &job
	return job.ID, nil
}

func (m *memJobs) Get(_ context.Context, id string) (*domain.ProductionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) GetByExternalTaskID(_ context.Context, ext string) (*domain.ProductionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if ext != "" && j.ExternalTaskID == ext {
			cp := *j
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: external task %s", domain.ErrJobNotFound, ext)
}

func (m *memJobs) Oldest(_ context.Context, stage domain.Stage, limit int) ([]domain.ProductionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProductionJob
	for _, j := range m.jobs {
		if j.Status == stage {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memJobs) Transition(_ context.Context, id string, from, to domain.Stage, upd domain.JobUpdate) error {
	if err := domain.CheckTransition(from, to); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if j.Status != from {
		return domain.ErrStaleStatus
	}
	j.Status = to
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&j.Lyrics, upd.Lyrics)
	set(&j.StylePrompt, upd.StylePrompt)
	set(&j.ExternalTaskID, upd.ExternalTaskID)
	set(&j.FullAudioURL, upd.FullAudioURL)
	set(&j.ClipURL, upd.ClipURL)
	set(&j.ErrorMessage, upd.ErrorMessage)
	if upd.ListenToken != "" {
		j.Listen = domain.ListenToken{Value: upd.ListenToken, MaxPlays: upd.MaxPlays}
	}
	if upd.FailedStage != "" {
		j.FailedStage = upd.FailedStage
	}
	if upd.GenerationStartedAt != nil {
		j.GenerationStartedAt = upd.GenerationStartedAt
	}
	if upd.GeneratedAt != nil {
		j.GeneratedAt = upd.GeneratedAt
	}
	if upd.SentAt != nil {
		j.SentAt = upd.SentAt
	}
	for _, f := range upd.Clear {
		switch f {
		case domain.FieldExternalTaskID:
			j.ExternalTaskID = ""
		case domain.FieldErrorMessage:
			j.ErrorMessage = ""
		case domain.FieldFailedStage:
			j.FailedStage = ""
		case domain.FieldGenerationStartedAt:
			j.GenerationStartedAt = nil
		}
	}
	return nil
}

func (m *memJobs) RegisterPlay(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return 0, domain.ErrJobNotFound
	}
	if j.Listen.Remaining() == 0 {
		return 0, domain.ErrListenExhausted
	}
	j.Listen.PlayCount++
	return j.Listen.PlayCount, nil
}

func (m *memJobs) MarkHalfHeard(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if j.Listen.HalfHeard {
		return false, nil
	}
	j.Listen.HalfHeard = true
	return true, nil
}

var _ ports.JobStore = (*memJobs)(nil)

type memLeads struct {
	mu    sync.Mutex
	leads map[string]*domain.Lead
	hints map[string][]domain.LeadHints
}

func newMemLeads(leads ...domain.Lead) *memLeads {
	m := &memLeads{leads: map[string]*domain.Lead{}, hints: map[string][]domain.LeadHints{}}
	for _, l := range leads {
		m.leads[l.ID] = &l
	}
	return m
}

func (m *memLeads) Get(_ context.Context, id string) (*domain.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrLeadNotFound, id)
	}
	cp := *l
	return &cp, nil
}

func (m *memLeads) UpdateHints(_ context.Context, id string, h domain.LeadHints) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrLeadNotFound, id)
	}
	m.hints[id] = append(m.hints[id], h)
	if h.HasActiveSequences != nil {
		l.HasActiveSequences = *h.HasActiveSequences
	}
	if h.NextActionAt != nil {
		l.NextActionAt = h.NextActionAt
	}
	if h.LastMessageAt != nil {
		l.LastMessageAt = h.LastMessageAt
	}
	for _, tag := range h.AddTags {
		if !slices.Contains(l.Tags, tag) {
			l.Tags = append(l.Tags, tag)
		}
	}
	return nil
}

func (m *memLeads) hintCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hints[id])
}

type memCatalog map[string]domain.SequenceDefinition

func (c memCatalog) Lookup(_ context.Context, key string) (*domain.SequenceDefinition, error) {
	if d, ok := c[key]; ok {
		return &d, nil
	}
	for _, d := range c {
		if d.Trigger != "" && d.Trigger == key {
			return &d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrSequenceNotFound, key)
}

type sent struct {
	Op    string
	Phone string
	Kind  domain.PayloadKind
	Body  string
}

type fakeGateway struct {
	mu    sync.Mutex
	rich  bool
	calls int
	fail  func(call int) error
	sent  []sent
}

func (g *fakeGateway) Status(context.Context) (ports.GatewayStatus, error) {
	return ports.GatewayStatus{State: "open", RichMedia: g.rich}, nil
}

func (g *fakeGateway) SupportsRichMedia() bool { return g.rich }

func (g *fakeGateway) record(s sent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.fail != nil {
		if err := g.fail(g.calls); err != nil {
			return err
		}
	}
	g.sent = append(g.sent, s)
	return nil
}

func (g *fakeGateway) SendText(_ context.Context, phone, text string) error {
	return g.record(sent{Op: "text", Phone: phone, Kind: domain.KindText, Body: text})
}

func (g *fakeGateway) SendAudio(_ context.Context, phone, url string) error {
	return g.record(sent{Op: "audio", Phone: phone, Kind: domain.KindAudio, Body: url})
}

func (g *fakeGateway) SendMedia(_ context.Context, phone string, kind domain.PayloadKind, url string) error {
	return g.record(sent{Op: "media", Phone: phone, Kind: kind, Body: url})
}

func (g *fakeGateway) messages() []sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.sent)
}

type textFunc func(req ports.TextRequest) (string, error)

func (f textFunc) Generate(_ context.Context, req ports.TextRequest) (string, error) { return f(req) }

type fakeAudio struct {
	reqs []ports.GenerationRequest
	next string
	err  error
}

func (a *fakeAudio) Start(_ context.Context, req ports.GenerationRequest) (string, error) {
	a.reqs = append(a.reqs, req)
	return a.next, a.err
}

// fakeBlobs stores uploads in memory and downloads into dir.
type fakeBlobs struct {
	mu      sync.Mutex
	dir     string
	uploads map[string][]byte
}

func newFakeBlobs(t *testing.T) *fakeBlobs {
	return &fakeBlobs{dir: t.TempDir(), uploads: map[string][]byte{}}
}

func (b *fakeBlobs) Upload(_ context.Context, name, _ string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.uploads[name] = data
	b.mu.Unlock()
	return "https://blobs.test/" + name, nil
}

func (b *fakeBlobs) Download(_ context.Context, url string) (string, error) {
	f, err := os.CreateTemp(b.dir, "dl-*.mp3")
	if err != nil {
		return "", err
	}
	defer f.Close()
	_, err = f.WriteString("audio from " + url)
	return f.Name(), err
}

// fakeMedia writes a marker describing the operation instead of running
// ffmpeg.
type fakeMedia struct {
	failMix bool
}

func (fakeMedia) Trim(_ context.Context, in, out string, d time.Duration) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, append(data, []byte(" trimmed "+d.String())...), 0o600)
}

func (m fakeMedia) Mix(_ context.Context, track, overlay, out string, delay time.Duration, gain float64) error {
	if m.failMix {
		return fmt.Errorf("mix %s: exit status 1", overlay)
	}
	data, err := os.ReadFile(track)
	if err != nil {
		return err
	}
	return os.WriteFile(out, append(data, []byte(" mixed")...), 0o600)
}

type seqCall struct {
	Op        string
	LeadID    string
	Sequences []string
}

type fakeSequences struct {
	mu    sync.Mutex
	calls []seqCall
}

func (f *fakeSequences) ScheduleSequence(_ context.Context, leadID, sequenceID string, _ time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, seqCall{Op: "schedule", LeadID: leadID, Sequences: []string{sequenceID}})
	return 1, nil
}

func (f *fakeSequences) CancelSequences(_ context.Context, leadID string, ids []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, seqCall{Op: "cancel", LeadID: leadID, Sequences: ids})
	return len(ids), nil
}

func (f *fakeSequences) snapshot() []seqCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func textSteps(contents ...string) []domain.SequenceStep {
	steps := make([]domain.SequenceStep, len(contents))
	for i, c := range contents {
		steps[i] = domain.SequenceStep{Kind: domain.KindText, Content: c, DelayMinutes: i * 10}
	}
	return steps
}
