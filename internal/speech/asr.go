package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/oraltrainer/internal/audio"
	"github.com/wuwenbin0122/oraltrainer/internal/utils"
)

const asrFrameDuration = 100 * time.Millisecond

// ASRClient transcribes a complete clip over the streaming ASR websocket.
type ASRClient struct {
	endpoint   string
	apiKey     string
	sampleRate int
	dialer     *websocket.Dialer
	logger     *zap.SugaredLogger
}

func NewASRClient(cfg utils.SpeechConfig, logger *zap.SugaredLogger) (*ASRClient, error) {
	endpoint := strings.TrimSpace(cfg.ASREndpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: asr endpoint is empty", ErrNotConfigured)
	}

	rate := cfg.ASRSampleRate
	if rate <= 0 {
		rate = 16000
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	return &ASRClient{
		endpoint:   endpoint,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		sampleRate: rate,
		dialer:     &dialer,
		logger:     logger,
	}, nil
}

type asrStartFrame struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	Bits       int    `json:"bits"`
	Format     string `json:"format"`
}

type asrMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Error   string `json:"error"`
}

type asrOutcome struct {
	text string
	err  error
}

// Transcribe normalises clip to mono 16-bit PCM at the configured rate, streams
// it in 100 ms frames and returns the joined final segments.
func (c *ASRClient) Transcribe(ctx context.Context, clip []byte) (string, error) {
	pcm, err := audio.NormalizePCM(clip, c.sampleRate)
	if err != nil {
		return "", err
	}

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return "", fmt.Errorf("dial asr websocket: %w", &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)})
		}
		return "", fmt.Errorf("dial asr websocket: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	outcome := make(chan asrOutcome, 1)
	go func() {
		text, err := c.collect(conn)
		outcome <- asrOutcome{text: text, err: err}
	}()

	if err := c.stream(ctx, conn, pcm); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", err
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-outcome:
		if res.err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", res.err
		}
		if res.text == "" {
			return "", ErrNoSpeech
		}
		return res.text, nil
	}
}

func (c *ASRClient) stream(ctx context.Context, conn *websocket.Conn, pcm []byte) error {
	start := asrStartFrame{Type: "start", SampleRate: c.sampleRate, Channels: 1, Bits: audio.OutputBitsPerSample, Format: "pcm"}
	if err := conn.WriteJSON(start); err != nil {
		return fmt.Errorf("send asr start frame: %w", err)
	}

	frameBytes := c.sampleRate * 2 * int(asrFrameDuration/time.Millisecond) / 1000
	for offset := 0; offset < len(pcm); offset += frameBytes {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := offset + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[offset:end]); err != nil {
			return fmt.Errorf("send audio chunk: %w", err)
		}
	}

	if err := conn.WriteJSON(map[string]string{"type": "stop"}); err != nil {
		return fmt.Errorf("send asr stop frame: %w", err)
	}
	return nil
}

// collect reads until the server closes the session or sends an end message.
func (c *ASRClient) collect(conn *websocket.Conn) (string, error) {
	var (
		finals  []string
		partial string
	)

	result := func() string {
		if len(finals) > 0 {
			return strings.TrimSpace(strings.Join(finals, " "))
		}
		return strings.TrimSpace(partial)
	}

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return result(), nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return "", fmt.Errorf("read asr message: %w", context.DeadlineExceeded)
			}
			return "", fmt.Errorf("read asr message: %w", err)
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var msg asrMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Warnf("unmarshal asr payload failed: %v", err)
			continue
		}

		if msg.Error != "" {
			return "", errors.New("asr error: " + msg.Error)
		}

		if text := strings.TrimSpace(msg.Text); text != "" {
			if msg.IsFinal {
				finals = append(finals, text)
			} else {
				partial = text
			}
		}

		if msg.Type == "end" {
			return result(), nil
		}
	}
}
