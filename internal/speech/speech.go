// Package speech holds the clients for the external transcription (ASR) and
// synthesis (TTS) services.
package speech

import (
	"context"
	"errors"
)

var (
	// ErrNoSpeech means the recognizer finished without producing any text.
	ErrNoSpeech = errors.New("speech: no speech recognized")
	// ErrEmptyText is returned by Synthesize for blank input; no backend call is made.
	ErrEmptyText = errors.New("speech: text is empty")
	// ErrNotConfigured is returned when a client lacks an endpoint or credentials.
	ErrNotConfigured = errors.New("speech: service not configured")
	// ErrUnexpectedAudio means the synthesis backend returned something other than WAV.
	ErrUnexpectedAudio = errors.New("speech: unexpected audio payload")
)

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Synthesizer turns text into a mono 16-bit PCM WAV clip.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type VoiceLister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}

// Speaker is a Synthesizer that can also enumerate its voices.
type Speaker interface {
	Synthesizer
	VoiceLister
}

// Voice describes a voice returned by the TTS voice list.
type Voice struct {
	VoiceName string `json:"voice_name"`
	VoiceType string `json:"voice_type"`
	URL       string `json:"url"`
	Category  string `json:"category"`
	UpdateMS  int64  `json:"updatetime"`
}
