package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Input policies for chat turns that carry both an audio clip and text.
const (
	InputPolicyPreferAudio = "prefer_audio"
	InputPolicyRejectBoth  = "reject_both"
)

// Conversation store backends.
const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Generation backends.
const (
	LLMBackendOpenAI = "openai"
	LLMBackendOllama = "ollama"
)

type Config struct {
	ServerPort        string
	JWTSecret         string
	TokenTTL          time.Duration
	ConversationStore string
	Postgres          PostgresConfig
	Mongo             MongoConfig
	Redis             RedisConfig
	Logging           LoggingConfig
	Speech            SpeechConfig
	LLM               LLMConfig
	Pipeline          PipelineConfig
}

type PostgresConfig struct {
	DSN               string
	Host              string
	Port              int
	User              string
	Password          string
	Database          string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// Enabled reports whether a Redis address was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

type LoggingConfig struct {
	Level        string
	Encoding     string
	Development  bool
	EnableCaller bool
	ServiceName  string
}

// SpeechConfig covers the Qiniu-style ASR websocket and TTS REST endpoints.
type SpeechConfig struct {
	PrimaryEndpoint string
	BackupEndpoint  string
	ActiveEndpoint  string
	APIKey          string
	ASREndpoint     string
	ASRSampleRate   int
	TTSVoice        string
	TTSSampleRate   int
	TTSSpeed        float64
}

func (s SpeechConfig) BaseURL() string {
	if strings.TrimSpace(s.ActiveEndpoint) != "" {
		return strings.TrimRight(s.ActiveEndpoint, "/")
	}
	return strings.TrimRight(s.PrimaryEndpoint, "/")
}

type LLMConfig struct {
	Backend          string
	BaseURL          string
	APIKey           string
	Model            string
	Temperature      float64
	MaxTokens        int
	SummaryThreshold int
	RecentKeep       int
}

type PipelineConfig struct {
	InputPolicy          string
	TranscriptionTimeout time.Duration
	GenerationTimeout    time.Duration
	SynthesisTimeout     time.Duration
	CommitTimeout        time.Duration
	MaxAudioBytes        int64
}

func LoadConfig() (*Config, error) {
	port := envOrDefault("PORT", "8000")
	jwtSecret := envOrDefault("JWT_SECRET", "dev-secret")

	pgPort, _ := strconv.Atoi(envOrDefault("POSTGRES_PORT", "5432"))
	maxConns := parseInt32(envOrDefault("POSTGRES_MAX_CONNS", "8"), 8)
	minConns := parseInt32(envOrDefault("POSTGRES_MIN_CONNS", "1"), 1)

	logging := LoggingConfig{
		Level:        strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		Encoding:     strings.ToLower(envOrDefault("LOG_ENCODING", "console")),
		Development:  parseBool(envOrDefault("LOG_DEVELOPMENT", "false"), false),
		EnableCaller: parseBool(envOrDefault("LOG_CALLER", "false"), false),
		ServiceName:  envOrDefault("SERVICE_NAME", "oral-trainer"),
	}

	primaryEndpoint := envOrDefault("SPEECH_PRIMARY_ENDPOINT", "https://openai.qiniu.com/v1")
	backupEndpoint := envOrDefault("SPEECH_BACKUP_ENDPOINT", "https://api.qnaigc.com/v1")

	llmBackend := strings.ToLower(envOrDefault("LLM_BACKEND", LLMBackendOllama))
	llmBaseDefault := "http://localhost:11434"
	llmModelDefault := "qwen2.5:0.5b"
	if llmBackend == LLMBackendOpenAI {
		llmBaseDefault = primaryEndpoint
		llmModelDefault = "doubao-1.5-vision-pro"
	}

	cfg := &Config{
		ServerPort:        port,
		JWTSecret:         jwtSecret,
		TokenTTL:          parseDuration(envOrDefault("TOKEN_TTL", "30m"), 30*time.Minute),
		ConversationStore: strings.ToLower(envOrDefault("CONVERSATION_STORE", StorePostgres)),
		Postgres: PostgresConfig{
			DSN:               os.Getenv("POSTGRES_DSN"),
			Host:              envOrDefault("POSTGRES_HOST", "localhost"),
			Port:              pgPort,
			User:              envOrDefault("POSTGRES_USER", "postgres"),
			Password:          envOrDefault("POSTGRES_PASSWORD", "postgres"),
			Database:          envOrDefault("POSTGRES_DB", "oral_trainer"),
			MaxConns:          maxConns,
			MinConns:          minConns,
			MaxConnLifetime:   parseDuration(envOrDefault("POSTGRES_MAX_CONN_LIFETIME", "1h"), time.Hour),
			MaxConnIdleTime:   parseDuration(envOrDefault("POSTGRES_MAX_CONN_IDLE", "30m"), 30*time.Minute),
			HealthCheckPeriod: parseDuration(envOrDefault("POSTGRES_HEALTH_CHECK_PERIOD", "1m"), time.Minute),
			ConnectTimeout:    parseDuration(envOrDefault("POSTGRES_CONNECT_TIMEOUT", "5s"), 5*time.Second),
		},
		Mongo: MongoConfig{
			URI:            envOrDefault("MONGO_URI", "mongodb://localhost:27017"),
			Database:       envOrDefault("MONGO_DATABASE", "oral_trainer"),
			ConnectTimeout: parseDuration(envOrDefault("MONGO_CONNECT_TIMEOUT", "5s"), 5*time.Second),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       parseInt(envOrDefault("REDIS_DB", "0"), 0),
			LockTTL:  parseDuration(envOrDefault("REDIS_LOCK_TTL", "15s"), 15*time.Second),
		},
		Logging: logging,
		Speech: SpeechConfig{
			PrimaryEndpoint: primaryEndpoint,
			BackupEndpoint:  backupEndpoint,
			ActiveEndpoint:  envOrDefault("SPEECH_API_ENDPOINT", primaryEndpoint),
			APIKey:          os.Getenv("SPEECH_API_KEY"),
			ASREndpoint:     envOrDefault("ASR_ENDPOINT", "wss://openai.qiniu.com/v1/voice/asr"),
			ASRSampleRate:   parseInt(envOrDefault("ASR_SAMPLE_RATE", "16000"), 16000),
			TTSVoice:        os.Getenv("TTS_VOICE"),
			TTSSampleRate:   parseInt(envOrDefault("TTS_SAMPLE_RATE", "24000"), 24000),
			TTSSpeed:        parseFloat(envOrDefault("TTS_SPEED", "1.0"), 1.0),
		},
		LLM: LLMConfig{
			Backend:          llmBackend,
			BaseURL:          strings.TrimRight(envOrDefault("LLM_BASE_URL", llmBaseDefault), "/"),
			APIKey:           envOrDefault("LLM_API_KEY", os.Getenv("SPEECH_API_KEY")),
			Model:            envOrDefault("LLM_MODEL", llmModelDefault),
			Temperature:      parseFloat(envOrDefault("LLM_TEMPERATURE", "0.7"), 0.7),
			MaxTokens:        parseInt(envOrDefault("LLM_MAX_TOKENS", "200"), 200),
			SummaryThreshold: parseInt(envOrDefault("LLM_SUMMARY_THRESHOLD", "16"), 16),
			RecentKeep:       parseInt(envOrDefault("LLM_RECENT_KEEP", "8"), 8),
		},
		Pipeline: PipelineConfig{
			InputPolicy:          strings.ToLower(envOrDefault("CHAT_INPUT_POLICY", InputPolicyPreferAudio)),
			TranscriptionTimeout: parseDuration(envOrDefault("TRANSCRIPTION_TIMEOUT", "30s"), 30*time.Second),
			GenerationTimeout:    parseDuration(envOrDefault("GENERATION_TIMEOUT", "60s"), 60*time.Second),
			SynthesisTimeout:     parseDuration(envOrDefault("SYNTHESIS_TIMEOUT", "30s"), 30*time.Second),
			CommitTimeout:        parseDuration(envOrDefault("COMMIT_TIMEOUT", "10s"), 10*time.Second),
			MaxAudioBytes:        int64(parseInt(envOrDefault("MAX_AUDIO_BYTES", "10485760"), 10<<20)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports settings that would make the server misbehave at runtime.
func (c *Config) Validate() error {
	problems := make([]string, 0, 4)

	if strings.TrimSpace(c.JWTSecret) == "" {
		problems = append(problems, "JWT_SECRET must not be empty")
	}

	switch c.ConversationStore {
	case StorePostgres, StoreMongo:
	default:
		problems = append(problems, fmt.Sprintf("CONVERSATION_STORE %q is not one of postgres, mongo", c.ConversationStore))
	}

	switch c.LLM.Backend {
	case LLMBackendOpenAI, LLMBackendOllama:
	default:
		problems = append(problems, fmt.Sprintf("LLM_BACKEND %q is not one of openai, ollama", c.LLM.Backend))
	}

	switch c.Pipeline.InputPolicy {
	case InputPolicyPreferAudio, InputPolicyRejectBoth:
	default:
		problems = append(problems, fmt.Sprintf("CHAT_INPUT_POLICY %q is not one of prefer_audio, reject_both", c.Pipeline.InputPolicy))
	}

	if c.Speech.ASRSampleRate <= 0 || c.Speech.TTSSampleRate <= 0 {
		problems = append(problems, "ASR_SAMPLE_RATE and TTS_SAMPLE_RATE must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}

	return nil
}

func (c PostgresConfig) BuildDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

func envOrDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt32(value string, fallback int32) int32 {
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return int32(i)
}

func parseInt(value string, fallback int) int {
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return i
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(value string, fallback bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}
