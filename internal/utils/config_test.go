package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "LLM_BACKEND", "CHAT_INPUT_POLICY", "TOKEN_TTL", "CONVERSATION_STORE", "GENERATION_TIMEOUT", "REDIS_ADDR"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.ServerPort)
	assert.Equal(t, 30*time.Minute, cfg.TokenTTL)
	assert.Equal(t, StorePostgres, cfg.ConversationStore)
	assert.Equal(t, LLMBackendOllama, cfg.LLM.Backend)
	assert.Equal(t, "http://localhost:11434", cfg.LLM.BaseURL)
	assert.Equal(t, InputPolicyPreferAudio, cfg.Pipeline.InputPolicy)
	assert.Equal(t, 60*time.Second, cfg.Pipeline.GenerationTimeout)
	assert.Equal(t, int64(10<<20), cfg.Pipeline.MaxAudioBytes)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("LLM_BACKEND", "OpenAI")
	t.Setenv("LLM_BASE_URL", "https://llm.example.com/v1/")
	t.Setenv("CHAT_INPUT_POLICY", "reject_both")
	t.Setenv("GENERATION_TIMEOUT", "5s")
	t.Setenv("TRANSCRIPTION_TIMEOUT", "not-a-duration")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, LLMBackendOpenAI, cfg.LLM.Backend)
	assert.Equal(t, "https://llm.example.com/v1", cfg.LLM.BaseURL)
	assert.Equal(t, InputPolicyRejectBoth, cfg.Pipeline.InputPolicy)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.GenerationTimeout)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.TranscriptionTimeout)
	assert.True(t, cfg.Redis.Enabled())
}

func TestLoadConfigRejectsUnknownChoices(t *testing.T) {
	t.Setenv("CHAT_INPUT_POLICY", "both")
	t.Setenv("CONVERSATION_STORE", "sqlite")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_INPUT_POLICY")
	assert.Contains(t, err.Error(), "CONVERSATION_STORE")
}

func TestPostgresBuildDSN(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d"}
	assert.Equal(t, "postgres://u:p@db:5432/d", cfg.BuildDSN())

	cfg.DSN = "postgres://override"
	assert.Equal(t, "postgres://override", cfg.BuildDSN())
}
