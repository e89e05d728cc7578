// Package pipeline runs one conversation turn end to end, from the user's
// audio or text to the committed reply and its synthesized speech.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/oraltrainer/internal/audio"
	"github.com/wuwenbin0122/oraltrainer/internal/conversation"
	"github.com/wuwenbin0122/oraltrainer/internal/history"
	"github.com/wuwenbin0122/oraltrainer/internal/llm"
	"github.com/wuwenbin0122/oraltrainer/internal/models"
	"github.com/wuwenbin0122/oraltrainer/internal/speech"
	"github.com/wuwenbin0122/oraltrainer/internal/utils"
)

// Error kinds returned by ProcessTurn. Failures wrap both the kind and the
// underlying cause, so errors.Is matches either.
var (
	ErrNotFound            = conversation.ErrNotFound
	ErrInvalidInput        = errors.New("pipeline: invalid input")
	ErrTranscriptionFailed = errors.New("pipeline: transcription failed")
	ErrGenerationFailed    = errors.New("pipeline: generation failed")
	ErrCommitFailed        = errors.New("pipeline: commit failed")
	// ErrSynthesisFailed is advisory only. It is reported in Result.SynthesisErr
	// and never returned as the error of ProcessTurn.
	ErrSynthesisFailed = errors.New("pipeline: synthesis failed")
)

// AudioFormat is the container of Result.Audio.
const AudioFormat = "wav"

// Input carries a turn as an audio clip, text, or both.
type Input struct {
	Audio []byte
	Text  string
}

type Result struct {
	ConversationID string
	Transcript     string
	Reply          string
	Audio          []byte
	AudioFormat    string
	SynthesisErr   error
	Conversation   *models.Conversation
}

type Pipeline struct {
	store       conversation.Store
	transcriber speech.Transcriber
	generator   llm.Generator
	synthesizer speech.Synthesizer
	cfg         utils.PipelineConfig
	logger      *zap.Logger
}

func New(
	store conversation.Store,
	transcriber speech.Transcriber,
	generator llm.Generator,
	synthesizer speech.Synthesizer,
	cfg utils.PipelineConfig,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InputPolicy == "" {
		cfg.InputPolicy = utils.InputPolicyPreferAudio
	}

	return &Pipeline{
		store:       store,
		transcriber: transcriber,
		generator:   generator,
		synthesizer: synthesizer,
		cfg:         cfg,
		logger:      logger.Named("pipeline"),
	}
}

// ProcessTurn runs one turn for actor against conversationID. Nothing is
// persisted unless generation succeeds, and then the user and assistant turns
// are committed together. A synthesis failure leaves the commit in place and is
// reported through Result.SynthesisErr.
func (p *Pipeline) ProcessTurn(ctx context.Context, conversationID string, actor models.User, input Input) (*Result, error) {
	started := time.Now()
	log := p.logger.With(zap.String("conversation_id", conversationID), zap.String("user_id", actor.ID))

	useAudio, text, err := p.resolveInput(input)
	if err != nil {
		return nil, err
	}

	conv, err := p.store.Load(ctx, conversationID, actor.ID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	if useAudio {
		stageStart := time.Now()
		text, err = p.transcribe(ctx, input.Audio)
		if err != nil {
			log.Warn("transcription failed", zap.Error(err), zap.Duration("elapsed", time.Since(stageStart)))
			return nil, err
		}
		log.Debug("transcribed audio", zap.Int("audio_bytes", len(input.Audio)), zap.Duration("elapsed", time.Since(stageStart)))
	}

	userTurn := models.Turn{Role: models.RoleUser, Content: text}
	working := append(conv.Turns.Clone(), userTurn)

	stageStart := time.Now()
	reply, err := p.generate(ctx, text, working)
	if err != nil {
		log.Warn("generation failed", zap.Error(err), zap.Duration("elapsed", time.Since(stageStart)))
		return nil, err
	}
	log.Debug("generated reply", zap.Int("history_turns", len(working)), zap.Duration("elapsed", time.Since(stageStart)))

	assistantTurn := models.Turn{Role: models.RoleAssistant, Content: reply}
	committed, err := p.commit(ctx, conversationID, userTurn, assistantTurn)
	if err != nil {
		log.Error("commit failed", zap.Error(err))
		return nil, err
	}

	result := &Result{
		ConversationID: conversationID,
		Transcript:     text,
		Reply:          reply,
		Conversation:   committed,
	}

	stageStart = time.Now()
	clip, err := p.synthesize(ctx, reply)
	if err != nil {
		result.SynthesisErr = err
		log.Warn("synthesis failed; returning text only", zap.Error(err), zap.Duration("elapsed", time.Since(stageStart)))
	} else {
		result.Audio = clip
		result.AudioFormat = AudioFormat
	}

	log.Info("turn processed",
		zap.Bool("audio_input", useAudio),
		zap.Int("turns", len(committed.Turns)),
		zap.Bool("audio_output", result.Audio != nil),
		zap.Duration("elapsed", time.Since(started)),
	)

	return result, nil
}

func (p *Pipeline) resolveInput(input Input) (bool, string, error) {
	hasAudio := len(input.Audio) > 0
	text := strings.TrimSpace(input.Text)
	hasText := text != ""

	switch {
	case !hasAudio && !hasText:
		return false, "", fmt.Errorf("%w: either audio or text is required", ErrInvalidInput)
	case hasAudio && hasText && p.cfg.InputPolicy == utils.InputPolicyRejectBoth:
		return false, "", fmt.Errorf("%w: supply audio or text, not both", ErrInvalidInput)
	case hasAudio:
		return true, "", nil
	case !utf8.ValidString(text):
		return false, "", fmt.Errorf("%w: text is not valid UTF-8", ErrInvalidInput)
	default:
		return false, text, nil
	}
}

func (p *Pipeline) transcribe(ctx context.Context, clip []byte) (string, error) {
	if p.transcriber == nil {
		return "", fmt.Errorf("%w: %w", ErrTranscriptionFailed, speech.ErrNotConfigured)
	}

	ctx, cancel := withTimeout(ctx, p.cfg.TranscriptionTimeout)
	defer cancel()

	text, err := p.transcriber.Transcribe(ctx, clip)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscriptionFailed, err)
	}

	// the stored turn must match the transcript returned to the caller
	text = strings.TrimSpace(strings.ToValidUTF8(text, string(utf8.RuneError)))
	if text == "" {
		return "", fmt.Errorf("%w: %w", ErrTranscriptionFailed, speech.ErrNoSpeech)
	}
	return text, nil
}

func (p *Pipeline) generate(ctx context.Context, prompt string, working models.TurnLog) (string, error) {
	serialized, err := history.Encode(working)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	ctx, cancel := withTimeout(ctx, p.cfg.GenerationTimeout)
	defer cancel()

	reply, err := p.generator.Generate(ctx, prompt, serialized)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("%w: %w", ErrGenerationFailed, llm.ErrEmptyReply)
	}
	return reply, nil
}

// commit ignores caller cancellation. Once started it runs until the store
// answers or CommitTimeout expires.
func (p *Pipeline) commit(ctx context.Context, conversationID string, turns ...models.Turn) (*models.Conversation, error) {
	ctx, cancel := withTimeout(context.WithoutCancel(ctx), p.cfg.CommitTimeout)
	defer cancel()

	committed, err := p.store.AppendTurns(ctx, conversationID, turns)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}
	return committed, nil
}

func (p *Pipeline) synthesize(ctx context.Context, text string) ([]byte, error) {
	if p.synthesizer == nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, speech.ErrNotConfigured)
	}

	ctx, cancel := withTimeout(ctx, p.cfg.SynthesisTimeout)
	defer cancel()

	clip, err := p.synthesizer.Synthesize(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	if len(clip) == 0 || !audio.IsWAV(clip) {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, speech.ErrUnexpectedAudio)
	}
	return clip, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
