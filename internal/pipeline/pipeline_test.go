package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuwenbin0122/oraltrainer/internal/audio"
	"github.com/wuwenbin0122/oraltrainer/internal/conversation"
	"github.com/wuwenbin0122/oraltrainer/internal/history"
	"github.com/wuwenbin0122/oraltrainer/internal/models"
	"github.com/wuwenbin0122/oraltrainer/internal/pipeline"
	"github.com/wuwenbin0122/oraltrainer/internal/speech"
	"github.com/wuwenbin0122/oraltrainer/internal/utils"
)

var (
	alice = models.User{ID: "user-alice", Username: "alice"}
	bob   = models.User{ID: "user-bob", Username: "bob"}
)

type stubTranscriber struct {
	text  string
	err   error
	calls atomic.Int32
}

func (s *stubTranscriber) Transcribe(ctx context.Context, clip []byte) (string, error) {
	s.calls.Add(1)
	return s.text, s.err
}

type stubGenerator struct {
	reply   func(prompt string) (string, error)
	calls   atomic.Int32
	mu      sync.Mutex
	history []models.TurnLog
}

func (s *stubGenerator) Generate(ctx context.Context, prompt, serializedHistory string) (string, error) {
	s.calls.Add(1)
	turns, err := history.Decode(serializedHistory)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.history = append(s.history, turns)
	s.mu.Unlock()
	return s.reply(prompt)
}

func replyWith(text string) func(string) (string, error) {
	return func(string) (string, error) { return text, nil }
}

type stubSynthesizer struct {
	err   error
	calls atomic.Int32
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clip := &audio.Clip{SampleRate: 16000, Channels: 1, Samples: make([]float64, 160)}
	return clip.Encode(), nil
}

type countingStore struct {
	conversation.Store
	appends   atomic.Int32
	appendErr error
}

func (s *countingStore) AppendTurns(ctx context.Context, id string, turns []models.Turn) (*models.Conversation, error) {
	s.appends.Add(1)
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	return s.Store.AppendTurns(ctx, id, turns)
}

type fixture struct {
	store       *countingStore
	memory      *conversation.MemoryStore
	transcriber *stubTranscriber
	generator   *stubGenerator
	synthesizer *stubSynthesizer
	pipeline    *pipeline.Pipeline
}

func newFixture(t *testing.T, cfg utils.PipelineConfig) *fixture {
	t.Helper()

	memory := conversation.NewMemoryStore()
	f := &fixture{
		store:       &countingStore{Store: memory},
		memory:      memory,
		transcriber: &stubTranscriber{text: "I went to the park yesterday."},
		generator:   &stubGenerator{reply: replyWith("I am fine.")},
		synthesizer: &stubSynthesizer{},
	}
	f.pipeline = pipeline.New(f.store, f.transcriber, f.generator, f.synthesizer, cfg, nil)
	return f
}

func (f *fixture) seed(owner models.User, turns ...models.Turn) string {
	conv := models.Conversation{ID: "conv-" + owner.Username, UserID: owner.ID, Title: "Practice", Turns: turns}
	f.memory.Seed(conv)
	return conv.ID
}

func (f *fixture) turns(t *testing.T, id string, owner models.User) models.TurnLog {
	t.Helper()
	conv, err := f.memory.Load(context.Background(), id, owner.ID)
	require.NoError(t, err)
	return conv.Turns
}

func user(content string) models.Turn      { return models.Turn{Role: models.RoleUser, Content: content} }
func assistant(content string) models.Turn { return models.Turn{Role: models.RoleAssistant, Content: content} }

func TestProcessTextTurnCommitsBothTurns(t *testing.T) {
	f := newFixture(t, utils.PipelineConfig{})
	id := f.seed(alice, user("Hello"))

	res, err := f.pipeline.ProcessTurn(context.Background(), id, alice, pipeline.Input{Text: "How are you?"})
	require.NoError(t, err)

	assert.Equal(t, "I am fine.", res.Reply)
	assert.Equal(t, "How are you?", res.Transcript)
	assert.True(t, audio.IsWAV(res.Audio))
	assert.Equal(t, pipeline.AudioFormat, res.AudioFormat)
	assert.NoError(t, res.SynthesisErr)

	want := models.TurnLog{user("Hello"), user("How are you?"), assistant("I am fine.")}
	assert.Equal(t, want, f.turns(t, id, alice))
	assert.Equal(t, want, res.Conversation.Turns)

	assert.Zero(t, f.transcriber.calls.Load())
	require.Len(t, f.generator.history, 1)
	assert.Equal(t, models.TurnLog{user("Hello"), user("How are you?")}, f.generator.history[0])
}

func TestProcessAudioTurnUsesTranscript(t *testing.T) {
	f := newFixture(t, utils.PipelineConfig{})
	id := f.seed(alice)

	res, err := f.pipeline.ProcessTurn(context.Background(), id, alice, pipeline.Input{Audio: []byte("RIFF....WAVE")})
	require.NoError(t, err)

	assert.Equal(t, "I went to the park yesterday.", res.Transcript)
	assert.Equal(t, int32(1), f.transcriber.calls.Load())
	assert.Equal(t,
		models.TurnLog{user("I went to the park yesterday."), assistant("I am fine.")},
		f.turns(t, id, alice),
	)
}

func TestGenerationFailureLeavesHistoryUntouched(t *testing.T) {
	f := newFixture(t, utils.PipelineConfig{})
	f.generator.reply = func(string) (string, error) { return "", errors.New("model unavailable") }
	id := f.seed(alice, user("Hello"))

	res, err := f.pipeline.ProcessTurn(context.Background(), id, alice, pipeline.Input{Text: "How are you?"})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, pipeline.ErrGenerationFailed)
	assert.Contains(t, err.Error(), "model unavailable")

	assert.Equal(t, models.TurnLog{user("Hello")}, f.turns(t, id, alice))
	assert.Zero(t, f.store.appends.Load())
	assert.Zero(t, f.synthesizer.calls.Load())
}

func TestBlankReplyIsAGenerationFailure(t *testing.T) {
	f := newFixture(t, utils.PipelineConfig{})
	f.generator.reply = replyWith("   ")
	id := f.seed(alice)

	_, err := f.pipeline.ProcessTurn(context.Background(), id, alice, pipeline.Input{Text: "Hi"})
	assert.ErrorIs(t, err, pipeline.ErrGenerationFailed)
	assert.Empty(t, f.turns(t, id, alice))
}

func TestTranscriptionFailureSkipsGeneration(t *testing.T) {
	cases := []struct {
		name string
		text string
		err  error
	}{
		{name: "backend error", err: errors.New("asr down")},
		{name: "no speech", err: speech.ErrNoSpeech},
		{name: "blank transcript", text: "  "},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, utils.PipelineConfig{})
			f.transcriber.text = tc.text
			f.transcriber.err = tc.err
			id := f.seed(alice, user("Hello"))

			_, err := f.pipeline.ProcessTurn(context.Background(), id, alice, pipeline.Input{Audio: []byte{1, 2, 3}})
			assert.ErrorIs(t, err, pipeline.ErrTranscriptionFailed)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
			}

			assert.Zero(t, f.generator.calls.Load())
			assert.Zero(t, f.store.appends.Load())
			assert.Equal(t, models.TurnLog{user("Hello")}, f.turns(t, id, alice))
		})
	}
}

func TestSynthesisFailureStillCommits(t *testing.T) {
	f := newFixture(t, utils.PipelineConfig{})
	f.synthesizer.err = errors.New("tts quota exceeded")
	id := f.seed(alice)

	res, err := f.pipeline.ProcessTurn(context.Background(), id, alice, pipeline.Input{Text: "Good morning"})
	require.NoError(t, err)

	assert.Equal(t, "I am fine.", res.Reply)
	assert.Nil(t, res.Audio)
	assert.Empty(t, res.AudioFormat)
	assert.ErrorIs(t, res.SynthesisErr, pipeline.ErrSynthesisFailed)
	assert.Equal(t, models.TurnLog{user("Good morning"), assistant("I am fine.")}, f.turns(t, id, alice))
}

func TestNilSynthesizerReturnsTextOnly(t *testing.T) {
	memory := conversation.NewMemoryStore()
	p := pipeline.New(memory, nil, &stubGenerator{reply: replyWith("Sure.")}, nil, utils.PipelineConfig{}, nil)
	memory.Seed(models.Conversation{ID: "c1", UserID: alice.ID, Title: "t"})

	res, err := p.ProcessTurn(context.Background(), "c1", alice, pipeline.Input{Text: "Can you help?"})
	require.NoError(t, err)
	assert.Nil(t, res.Audio)
	assert.ErrorIs(t, res.SynthesisErr, speech.ErrNotConfigured)

	_, err = p.ProcessTurn(context.Background(), "c1", alice, pipeline.Input{Audio: []byte{1}})
	assert.ErrorIs(t, err, pipeline.ErrTranscriptionFailed)
	assert.ErrorIs(t, err, speech.ErrNotConfigured)
}

func TestCommitFailure(t *testing.T) {
	f := newFixture(t, utils.PipelineConfig{})
	f.store.appendErr = errors.New("disk full")
	id := f.seed(alice)

	_, err := f.pipeline.ProcessTurn(context.Background(), id, alice, pipeline.Input{Text: "Hello"})
	assert.ErrorIs(t, err, pipeline.ErrCommitFailed)
	assert.Zero(t, f.synthesizer.calls.Load())
	assert.Empty(t, f.turns(t, id, alice))
}

func TestCommitSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t, utils.PipelineConfig{})
	id := f.seed(alice)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.generator.reply = func(string) (string, error) {
		cancel()
		return "Nice to meet you.", nil
	}

	res, err := f.pipeline.ProcessTurn(ctx, id, alice, pipeline.Input{Text: "Hi there"})
	require.NoError(t, err)
	assert.Error(t, res.SynthesisErr)
	assert.Equal(t, models.TurnLog{user("Hi there"), assistant("Nice to meet you.")}, f.turns(t, id, alice))
}

func TestForeignConversationIsNotFound(t *testing.T) {
	f := newFixture(t, utils.PipelineConfig{})
	id := f.seed(bob, user("Hello"))

	_, err := f.pipeline.ProcessTurn(context.Background(), id, alice, pipeline.Input{Text: "Let me in"})
	assert.ErrorIs(t, err, pipeline.ErrNotFound)

	_, err = f.pipeline.ProcessTurn(context.Background(), "missing", alice, pipeline.Input{Text: "Anyone?"})
	assert.ErrorIs(t, err, pipeline.ErrNotFound)

	assert.Zero(t, f.generator.calls.Load())
	assert.Equal(t, models.TurnLog{user("Hello")}, f.turns(t, id, bob))
}

func TestInputValidation(t *testing.T) {
	cases := []struct {
		name       string
		policy     string
		input      pipeline.Input
		wantErr    error
		transcribe bool
	}{
		{name: "empty", input: pipeline.Input{}, wantErr: pipeline.ErrInvalidInput},
		{name: "whitespace text", input: pipeline.Input{Text: " \n\t"}, wantErr: pipeline.ErrInvalidInput},
		{name: "invalid utf-8 text", input: pipeline.Input{Text: "caf\xe9 please"}, wantErr: pipeline.ErrInvalidInput},
		{name: "both prefers audio", policy: utils.InputPolicyPreferAudio, input: pipeline.Input{Audio: []byte{1}, Text: "typed"}, transcribe: true},
		{name: "both default policy", input: pipeline.Input{Audio: []byte{1}, Text: "typed"}, transcribe: true},
		{name: "both rejected", policy: utils.InputPolicyRejectBoth, input: pipeline.Input{Audio: []byte{1}, Text: "typed"}, wantErr: pipeline.ErrInvalidInput},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, utils.PipelineConfig{InputPolicy: tc.policy})
			id := f.seed(alice)

			res, err := f.pipeline.ProcessTurn(context.Background(), id, alice, tc.input)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Zero(t, f.generator.calls.Load())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.transcribe, f.transcriber.calls.Load() == 1)
			if tc.transcribe {
				assert.Equal(t, f.transcriber.text, res.Transcript)
			}
		})
	}
}

func TestConcurrentTurnsKeepPairsContiguous(t *testing.T) {
	f := newFixture(t, utils.PipelineConfig{})
	f.generator.reply = func(prompt string) (string, error) {
		return "reply to " + prompt, nil
	}
	id := f.seed(alice)

	const workers = 12
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.pipeline.ProcessTurn(context.Background(), id, alice, pipeline.Input{Text: fmt.Sprintf("message %d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	turns := f.turns(t, id, alice)
	require.Len(t, turns, 2*workers)

	seen := make(map[string]bool)
	for i := 0; i < len(turns); i += 2 {
		require.Equal(t, models.RoleUser, turns[i].Role)
		require.Equal(t, models.RoleAssistant, turns[i+1].Role)
		assert.Equal(t, "reply to "+turns[i].Content, turns[i+1].Content)
		assert.False(t, seen[turns[i].Content], "duplicate turn %q", turns[i].Content)
		seen[turns[i].Content] = true
	}
	for i := 0; i < workers; i++ {
		assert.True(t, seen[fmt.Sprintf("message %d", i)])
	}
}

func TestSerializedHistoryEndsWithPrompt(t *testing.T) {
	f := newFixture(t, utils.PipelineConfig{})
	id := f.seed(alice, user("Hello"), assistant("Hi! How was your day?"))

	_, err := f.pipeline.ProcessTurn(context.Background(), id, alice, pipeline.Input{Text: "  It was great.  "})
	require.NoError(t, err)

	require.Len(t, f.generator.history, 1)
	seen := f.generator.history[0]
	require.Len(t, seen, 3)
	assert.Equal(t, user("It was great."), seen[2])
	assert.False(t, strings.HasPrefix(f.turns(t, id, alice)[2].Content, " "))
}

func TestTranscriptIsStoredExactlyAsReturned(t *testing.T) {
	f := newFixture(t, utils.PipelineConfig{})
	f.transcriber.text = "I like caf\xe9"
	id := f.seed(alice)

	res, err := f.pipeline.ProcessTurn(context.Background(), id, alice, pipeline.Input{Audio: []byte{1}})
	require.NoError(t, err)

	turns := f.turns(t, id, alice)
	require.Len(t, turns, 2)
	assert.Equal(t, res.Transcript, turns[0].Content)
	assert.Equal(t, "I like caf\uFFFD", res.Transcript)

	blob, err := history.Encode(turns)
	require.NoError(t, err)
	decoded, err := history.Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, turns, decoded)
}

func TestImplausibleSampleRateFailsTranscription(t *testing.T) {
	asr, err := speech.NewASRClient(utils.SpeechConfig{
		ASREndpoint:   "ws://127.0.0.1:1/asr",
		ASRSampleRate: 16000,
	}, nil)
	require.NoError(t, err)

	memory := conversation.NewMemoryStore()
	generator := &stubGenerator{reply: replyWith("unused")}
	p := pipeline.New(memory, asr, generator, &stubSynthesizer{}, utils.PipelineConfig{}, nil)
	memory.Seed(models.Conversation{ID: "c1", UserID: alice.ID, Title: "t"})

	// a one-hertz header would otherwise be upsampled sixteen thousand times
	clip := (&audio.Clip{SampleRate: 1, Channels: 1, Samples: make([]float64, 2000)}).Encode()

	_, err = p.ProcessTurn(context.Background(), "c1", alice, pipeline.Input{Audio: clip})
	assert.ErrorIs(t, err, pipeline.ErrTranscriptionFailed)
	assert.ErrorIs(t, err, audio.ErrUnsupportedAudio)
	assert.Zero(t, generator.calls.Load())

	conv, err := memory.Load(context.Background(), "c1", alice.ID)
	require.NoError(t, err)
	assert.Empty(t, conv.Turns)
}
