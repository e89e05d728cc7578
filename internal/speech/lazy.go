package speech

import (
	"context"
	"sync"
)

// Lazy builds a collaborator on first use. A failed initialisation is not
// cached, so the next call tries again.
type Lazy[T any] struct {
	mu    sync.Mutex
	init  func(context.Context) (T, error)
	value T
	ready bool
}

func NewLazy[T any](init func(context.Context) (T, error)) *Lazy[T] {
	return &Lazy[T]{init: init}
}

func (l *Lazy[T]) Get(ctx context.Context) (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ready {
		return l.value, nil
	}

	value, err := l.init(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	l.value = value
	l.ready = true
	return value, nil
}

// NewLazyTranscriber returns a Transcriber that constructs its backend on the first Transcribe call.
func NewLazyTranscriber(init func(context.Context) (Transcriber, error)) Transcriber {
	return &lazyTranscriber{lazy: NewLazy(init)}
}

type lazyTranscriber struct {
	lazy *Lazy[Transcriber]
}

func (l *lazyTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	t, err := l.lazy.Get(ctx)
	if err != nil {
		return "", err
	}
	return t.Transcribe(ctx, audio)
}

// NewLazySpeaker returns a Speaker that constructs its backend on first use.
func NewLazySpeaker(init func(context.Context) (Speaker, error)) Speaker {
	return &lazySpeaker{lazy: NewLazy(init)}
}

type lazySpeaker struct {
	lazy *Lazy[Speaker]
}

func (l *lazySpeaker) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s, err := l.lazy.Get(ctx)
	if err != nil {
		return nil, err
	}
	return s.Synthesize(ctx, text)
}

func (l *lazySpeaker) ListVoices(ctx context.Context) ([]Voice, error) {
	s, err := l.lazy.Get(ctx)
	if err != nil {
		return nil, err
	}
	return s.ListVoices(ctx)
}
