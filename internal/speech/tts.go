package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/oraltrainer/internal/audio"
	"github.com/wuwenbin0122/oraltrainer/internal/utils"
)

// TTSClient calls the REST synthesis endpoint and returns normalised WAV audio.
type TTSClient struct {
	baseURL    string
	apiKey     string
	voiceMu    sync.Mutex
	voice      string
	sampleRate int
	speed      float64
	client     httpDoer
	logger     *zap.SugaredLogger
}

func NewTTSClient(cfg utils.SpeechConfig, logger *zap.SugaredLogger) (*TTSClient, error) {
	base := cfg.BaseURL()
	if base == "" {
		return nil, fmt.Errorf("%w: tts base url is empty", ErrNotConfigured)
	}

	rate := cfg.TTSSampleRate
	if rate <= 0 {
		rate = 24000
	}
	speed := cfg.TTSSpeed
	if speed <= 0 {
		speed = 1.0
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &TTSClient{
		baseURL:    base,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		voice:      strings.TrimSpace(cfg.TTSVoice),
		sampleRate: rate,
		speed:      speed,
		// synthesis can be slow for long replies
		client: newHTTPClientWithTimeout(60 * time.Second),
		logger: logger,
	}, nil
}

// Voice returns the voice used for synthesis.
func (c *TTSClient) Voice() string {
	c.voiceMu.Lock()
	defer c.voiceMu.Unlock()
	return c.voice
}

// ResolveVoice picks a default voice from the backend list when none was
// configured. English voices are preferred. A failed lookup leaves the voice
// unset so the next call tries again.
func (c *TTSClient) ResolveVoice(ctx context.Context) error {
	_, err := c.resolveVoice(ctx)
	return err
}

func (c *TTSClient) resolveVoice(ctx context.Context) (string, error) {
	c.voiceMu.Lock()
	defer c.voiceMu.Unlock()

	if c.voice != "" {
		return c.voice, nil
	}

	voices, err := c.ListVoices(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve default voice: %w", err)
	}

	voice := pickVoice(voices)
	if voice == "" {
		return "", fmt.Errorf("%w: voice list is empty", ErrNotConfigured)
	}

	c.voice = voice
	c.logger.Infow("resolved default tts voice", "voice", voice, "available", len(voices))
	return voice, nil
}

func pickVoice(voices []Voice) string {
	for _, v := range voices {
		if strings.Contains(strings.ToLower(v.VoiceType), "_en_") {
			return v.VoiceType
		}
	}
	for _, v := range voices {
		if v.VoiceType != "" {
			return v.VoiceType
		}
	}
	return ""
}

func (c *TTSClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	voice, err := c.resolveVoice(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"audio": map[string]interface{}{
			"voice_type":  voice,
			"encoding":    "wav",
			"speed_ratio": c.speed,
		},
		"request": map[string]interface{}{
			"text": text,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal tts payload: %w", err)
	}

	respBody, err := c.do(ctx, http.MethodPost, "/voice/tts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var envelope ttsAPIResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("decode tts response: %w", err)
	}

	if envelope.Error != nil && envelope.Error.Message != "" {
		return nil, fmt.Errorf("tts error: %s", envelope.Error.Message)
	}

	if envelope.Data == "" {
		return nil, fmt.Errorf("tts response contained no audio data")
	}

	raw, err := base64.StdEncoding.DecodeString(envelope.Data)
	if err != nil {
		return nil, fmt.Errorf("decode tts audio: %w", err)
	}

	if !audio.IsWAV(raw) {
		return nil, fmt.Errorf("%w: expected wav, got %d bytes without a RIFF header", ErrUnexpectedAudio, len(raw))
	}

	wav, err := audio.Normalize(raw, c.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedAudio, err)
	}

	return wav, nil
}

func (c *TTSClient) ListVoices(ctx context.Context) ([]Voice, error) {
	body, err := c.do(ctx, http.MethodGet, "/voice/list", nil)
	if err != nil {
		return nil, err
	}

	var voices []Voice
	if err := json.Unmarshal(body, &voices); err != nil {
		return nil, fmt.Errorf("decode voice list response: %w", err)
	}

	return voices, nil
}

func (c *TTSClient) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", path, err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, buildAPIError(resp.StatusCode, respBody)
	}

	return respBody, nil
}

type ttsAPIResponse struct {
	ReqID     string        `json:"reqid"`
	Operation string        `json:"operation"`
	Sequence  int           `json:"sequence"`
	Data      string        `json:"data"`
	Addition  ttsAddition   `json:"addition"`
	Error     *apiErrorBody `json:"error,omitempty"`
}

type ttsAddition struct {
	Duration string `json:"duration"`
}
