package speech_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuwenbin0122/oraltrainer/internal/speech"
)

type echoTranscriber struct{}

func (echoTranscriber) Transcribe(ctx context.Context, clip []byte) (string, error) {
	return string(clip), nil
}

func TestLazyInitialisesOnce(t *testing.T) {
	var calls int32
	transcriber := speech.NewLazyTranscriber(func(ctx context.Context) (speech.Transcriber, error) {
		atomic.AddInt32(&calls, 1)
		return echoTranscriber{}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text, err := transcriber.Transcribe(context.Background(), []byte("hi"))
			assert.NoError(t, err)
			assert.Equal(t, "hi", text)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLazyRetriesAfterFailure(t *testing.T) {
	attempts := 0
	lazy := speech.NewLazy(func(ctx context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("backend unavailable")
		}
		return "ready", nil
	})

	_, err := lazy.Get(context.Background())
	require.Error(t, err)

	value, err := lazy.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ready", value)

	_, _ = lazy.Get(context.Background())
	assert.Equal(t, 2, attempts)
}
