package usecase

import (
	"context"
	"errors"
	"songflow/internal/domain"
	"songflow/internal/listen"
	"songflow/internal/ports"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipelineFixture struct {
	p     *Pipeline
	jobs  *memJobs
	leads *memLeads
	gw    *fakeGateway
	audio *fakeAudio
	blobs *fakeBlobs
	seqs  *fakeSequences
	clock *clock
	text  func(req ports.TextRequest) (string, error)
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		jobs:  newMemJobs(),
		leads: newMemLeads(domain.Lead{ID: "lead-1", Name: "Ana", Phone: "+52 55 1111 2222"}),
		gw:    &fakeGateway{},
		audio: &fakeAudio{next: "ext-1"},
		blobs: newFakeBlobs(t),
		seqs:  &fakeSequences{},
		clock: &clock{now: t0},
	}
	f.text = func(req ports.TextRequest) (string, error) {
		if req.MaxChars > 0 {
			return "pop ballad, warm piano, soft strings, tender female vocal, slow build to an uplifting chorus", nil
		}
		return "Verse one\nChorus for Ana\n", nil
	}

	tokens, err := listen.NewIssuer("pipeline-test-secret-0123456789", 0)
	require.NoError(t, err)
	d := NewDispatcher(f.leads, f.gw, time.Second, 0)
	d.Now = f.clock.Now

	f.p = &Pipeline{
		Jobs:      f.jobs,
		Leads:     f.leads,
		Text:      textFunc(func(req ports.TextRequest) (string, error) { return f.text(req) }),
		Audio:     f.audio,
		Blobs:     f.blobs,
		Media:     fakeMedia{},
		Deliverer: d,
		Sequences: f.seqs,
		Tokens:    tokens,
		Now:       f.clock.Now,
		Cfg: PipelineConfig{
			CallbackURL:         "https://songflow.test/callbacks/generation",
			StylePromptMaxChars: 40,
			ClipDuration:        45 * time.Second,
			WatermarkPath:       "/assets/watermark.mp3",
			WatermarkAt:         10 * time.Second,
			WatermarkGain:       0.6,
			ClipConcurrency:     2,
			WorkDir:             t.TempDir(),
			ListenBaseURL:       "https://songflow.test/listen/",
			MaxPlays:            2,
			HalfHeardThreshold:  0.5,
			SalesSequence:       "sales",
			DeliveredSequence:   "delivered",
			ListenedSequence:    "listened",
			DeliveredTag:        "song-delivered",
		},
	}
	return f
}

func (f *pipelineFixture) createJob(t *testing.T, status domain.Stage) string {
	t.Helper()
	id, err := f.jobs.Create(context.Background(), domain.ProductionJob{
		LeadID:    "lead-1",
		Purpose:   "Anniversary song for Luis",
		Genre:     "pop",
		Artist:    "Natalia Lafourcade",
		VoiceType: "female",
		Status:    status,
		CreatedAt: f.clock.Now(),
	})
	require.NoError(t, err)
	f.clock.Add(time.Second)
	return id
}

func (f *pipelineFixture) job(t *testing.T, id string) *domain.ProductionJob {
	t.Helper()
	j, err := f.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

// deliver runs a fresh job through every stage.
func (f *pipelineFixture) deliver(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	id := f.createJob(t, domain.StageAwaitingLyrics)

	for _, step := range []func(context.Context) (bool, error){f.p.WriteLyrics, f.p.WritePrompt, f.p.StartGeneration} {
		ok, err := step(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, f.p.HandleGenerationCallback(ctx, GenerationCallback{
		TaskID:    "ext-1",
		Succeeded: true,
		AudioURL:  "https://provider.test/song.mp3",
	}))
	n, err := f.p.ProduceClips(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	ok, err := f.p.SendSong(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	return id
}

func TestPipeline_EndToEnd(t *testing.T) {
	f := newPipelineFixture(t)
	id := f.deliver(t)

	j := f.job(t, id)
	assert.Equal(t, domain.StageDelivered, j.Status)
	assert.Equal(t, "Verse one\nChorus for Ana", j.Lyrics)
	assert.NotEmpty(t, j.StylePrompt)
	assert.LessOrEqual(t, len([]rune(j.StylePrompt)), 40)
	assert.Equal(t, "ext-1", j.ExternalTaskID)
	assert.Equal(t, "https://blobs.test/songs/"+id+"/full.mp3", j.FullAudioURL)
	assert.Equal(t, "https://blobs.test/songs/"+id+"/clip.mp3", j.ClipURL)
	assert.NotEmpty(t, j.Listen.Value)
	assert.Equal(t, 2, j.Listen.MaxPlays)
	assert.NotNil(t, j.GenerationStartedAt)
	assert.NotNil(t, j.GeneratedAt)
	assert.NotNil(t, j.SentAt)

	require.Len(t, f.audio.reqs, 1)
	assert.Equal(t, j.StylePrompt, f.audio.reqs[0].Style)
	assert.Equal(t, "https://songflow.test/callbacks/generation", f.audio.reqs[0].CallbackURL)

	assert.Contains(t, string(f.blobs.uploads["songs/"+id+"/clip.mp3"]), "trimmed 45s mixed")

	msgs := f.gw.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, sent{Op: "audio", Phone: "525511112222", Kind: domain.KindAudio, Body: j.ClipURL}, msgs[0])
	assert.Equal(t, "text", msgs[1].Op)
	assert.True(t, strings.HasPrefix(msgs[1].Body, "Verse one"))
	assert.Contains(t, msgs[1].Body, "https://songflow.test/listen/"+j.Listen.Value)
	assert.Contains(t, msgs[1].Body, "(2 plays)")

	lead, err := f.leads.Get(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Contains(t, lead.Tags, "song-delivered")

	assert.Equal(t, []seqCall{
		{Op: "cancel", LeadID: "lead-1", Sequences: []string{"sales"}},
		{Op: "schedule", LeadID: "lead-1", Sequences: []string{"delivered"}},
	}, f.seqs.snapshot())
}

func TestPipeline_EmptyStagesDoNothing(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	for _, step := range []func(context.Context) (bool, error){f.p.WriteLyrics, f.p.WritePrompt, f.p.StartGeneration, f.p.SendSong} {
		ok, err := step(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	n, err := f.p.ProduceClips(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPipeline_OldestJobFirst(t *testing.T) {
	f := newPipelineFixture(t)
	first := f.createJob(t, domain.StageAwaitingLyrics)
	second := f.createJob(t, domain.StageAwaitingLyrics)

	ok, err := f.p.WriteLyrics(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, domain.StageAwaitingPrompt, f.job(t, first).Status)
	assert.Equal(t, domain.StageAwaitingLyrics, f.job(t, second).Status)
}

func TestPipeline_ProviderFailureMovesToError(t *testing.T) {
	f := newPipelineFixture(t)
	f.text = func(ports.TextRequest) (string, error) { return "", errors.New("quota exceeded") }
	id := f.createJob(t, domain.StageAwaitingLyrics)

	ok, err := f.p.WriteLyrics(context.Background())
	assert.False(t, ok)
	assert.True(t, errors.Is(err, domain.ErrExternalCall))

	j := f.job(t, id)
	assert.Equal(t, domain.StageError, j.Status)
	assert.Equal(t, domain.StageAwaitingLyrics, j.FailedStage)
	assert.Contains(t, j.ErrorMessage, "quota exceeded")

	ok, err = f.p.WriteLyrics(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "errored jobs are not picked up again")
}

func TestPipeline_GenerationCallbacks(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	id := f.createJob(t, domain.StageAwaitingGeneration)
	ok, err := f.p.StartGeneration(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	err = f.p.HandleGenerationCallback(ctx, GenerationCallback{TaskID: "unknown", Succeeded: true, AudioURL: "x"})
	assert.True(t, errors.Is(err, domain.ErrJobNotFound))

	err = f.p.HandleGenerationCallback(ctx, GenerationCallback{})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	err = f.p.HandleGenerationCallback(ctx, GenerationCallback{TaskID: "ext-1", Error: "content policy"})
	assert.True(t, errors.Is(err, domain.ErrExternalCall))
	j := f.job(t, id)
	assert.Equal(t, domain.StageError, j.Status)
	assert.Equal(t, domain.StageGenerationPending, j.FailedStage)

	err = f.p.HandleGenerationCallback(ctx, GenerationCallback{TaskID: "ext-1", Succeeded: true, AudioURL: "https://provider.test/late.mp3"})
	assert.True(t, errors.Is(err, domain.ErrStaleStatus))
	assert.Empty(t, f.job(t, id).FullAudioURL)
}

func TestPipeline_ClipFailureIsPerJob(t *testing.T) {
	f := newPipelineFixture(t)
	f.p.Media = fakeMedia{failMix: true}
	ctx := context.Background()
	a := f.createJob(t, domain.StageAudioReady)
	b := f.createJob(t, domain.StageAudioReady)

	n, err := f.p.ProduceClips(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	for _, id := range []string{a, b} {
		j := f.job(t, id)
		assert.Equal(t, domain.StageError, j.Status)
		assert.Equal(t, domain.StageAudioReady, j.FailedStage)
		assert.Contains(t, j.ErrorMessage, "mix watermark")
	}
}

func TestPipeline_FailedClipSendSkipsLyrics(t *testing.T) {
	f := newPipelineFixture(t)
	f.gw.fail = func(call int) error {
		if call == 1 {
			return errors.New("media upload rejected")
		}
		return nil
	}
	ctx := context.Background()
	id, err := f.jobs.Create(ctx, domain.ProductionJob{
		LeadID:  "lead-1",
		Lyrics:  "Verse one",
		ClipURL: "https://blobs.test/songs/job/clip.mp3",
		Status:  domain.StageReadyToSend,
	})
	require.NoError(t, err)

	ok, err := f.p.SendSong(ctx)
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Empty(t, f.gw.messages(), "lyrics wait for the clip")

	j := f.job(t, id)
	assert.Equal(t, domain.StageError, j.Status)
	assert.Equal(t, domain.StageReadyToSend, j.FailedStage)
	assert.Empty(t, f.seqs.snapshot())
}

func TestRetryStuck(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	old := f.createJob(t, domain.StageAwaitingGeneration)
	_, err := f.p.StartGeneration(ctx)
	require.NoError(t, err)

	f.clock.Add(10 * time.Minute)
	f.audio.next = "ext-2"
	fresh := f.createJob(t, domain.StageAwaitingGeneration)
	_, err = f.p.StartGeneration(ctx)
	require.NoError(t, err)

	f.clock.Add(10 * time.Minute)
	n, err := f.p.RetryStuck(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j := f.job(t, old)
	assert.Equal(t, domain.StageAwaitingGeneration, j.Status)
	assert.Empty(t, j.ExternalTaskID)
	assert.Nil(t, j.GenerationStartedAt)

	assert.Equal(t, domain.StageGenerationPending, f.job(t, fresh).Status)

	err = f.p.HandleGenerationCallback(ctx, GenerationCallback{TaskID: "ext-1", Succeeded: true, AudioURL: "https://provider.test/late.mp3"})
	assert.True(t, errors.Is(err, domain.ErrJobNotFound), "late callbacks for reset jobs change nothing")
	assert.Equal(t, domain.StageAwaitingGeneration, f.job(t, old).Status)
}

func TestRetryFailed(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	id := f.createJob(t, domain.StageAwaitingGeneration)
	_, err := f.p.StartGeneration(ctx)
	require.NoError(t, err)
	require.Error(t, f.p.HandleGenerationCallback(ctx, GenerationCallback{TaskID: "ext-1", Error: "timeout"}))

	stage, err := f.p.RetryFailed(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StageAwaitingGeneration, stage)

	j := f.job(t, id)
	assert.Equal(t, domain.StageAwaitingGeneration, j.Status)
	assert.Empty(t, j.ExternalTaskID)
	assert.Empty(t, j.ErrorMessage)
	assert.Empty(t, j.FailedStage)

	_, err = f.p.RetryFailed(ctx, id)
	assert.True(t, errors.Is(err, domain.ErrConflict))

	_, err = f.p.RetryFailed(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestListen_PlayCap(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	id := f.deliver(t)
	token := f.job(t, id).Listen.Value

	res, err := f.p.Play(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PlayCount)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, "https://blobs.test/songs/"+id+"/full.mp3", res.AudioURL)

	res, err = f.p.Play(ctx, token)
	require.NoError(t, err)
	assert.Zero(t, res.Remaining)

	_, err = f.p.Play(ctx, token)
	assert.True(t, errors.Is(err, domain.ErrListenExhausted))

	_, err = f.p.Play(ctx, "garbage")
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestListen_HalfHeardFiresOnce(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	id := f.deliver(t)
	token := f.job(t, id).Listen.Value
	before := len(f.seqs.snapshot())

	fired, err := f.p.ReportProgress(ctx, token, 0.3)
	require.NoError(t, err)
	assert.False(t, fired)

	fired, err = f.p.ReportProgress(ctx, token, 0.6)
	require.NoError(t, err)
	assert.True(t, fired)

	fired, err = f.p.ReportProgress(ctx, token, 0.9)
	require.NoError(t, err)
	assert.False(t, fired)

	calls := f.seqs.snapshot()[before:]
	assert.Equal(t, []seqCall{
		{Op: "cancel", LeadID: "lead-1", Sequences: []string{"sales", "delivered"}},
		{Op: "schedule", LeadID: "lead-1", Sequences: []string{"listened"}},
	}, calls)

	_, err = f.p.ReportProgress(ctx, token, 1.5)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestListen_TokenForUndeliveredJob(t *testing.T) {
	f := newPipelineFixture(t)
	id := f.createJob(t, domain.StageReadyToSend)
	token, err := f.p.Tokens.Issue(id)
	require.NoError(t, err)

	_, err = f.p.Play(context.Background(), token)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestCopywriter_Empathy(t *testing.T) {
	ctx := context.Background()

	c := &Copywriter{Text: textFunc(func(req ports.TextRequest) (string, error) {
		assert.Contains(t, req.User, "Ana")
		return "  What a beautiful story, Ana. We will make it sing.  ", nil
	}), MaxChars: 200}
	assert.Equal(t, "What a beautiful story, Ana. We will make it sing.", c.Empathy(ctx, "Ana", "we met in Oaxaca"))

	c.Text = textFunc(func(ports.TextRequest) (string, error) { return "", errors.New("unavailable") })
	assert.Equal(t, FallbackEmpathy, c.Empathy(ctx, "Ana", "story"))

	c.Text = textFunc(func(ports.TextRequest) (string, error) { return "   ", nil })
	assert.Equal(t, FallbackEmpathy, c.Empathy(ctx, "Ana", "story"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "pop ballad, warm", Truncate("pop ballad, warm piano", 20))
	assert.Equal(t, "abcdefghij", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "anything", Truncate("anything", 0))
}
