package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/oraltrainer/internal/audio"
	"github.com/wuwenbin0122/oraltrainer/internal/auth"
	"github.com/wuwenbin0122/oraltrainer/internal/conversation"
	"github.com/wuwenbin0122/oraltrainer/internal/models"
	"github.com/wuwenbin0122/oraltrainer/internal/pipeline"
	"github.com/wuwenbin0122/oraltrainer/internal/speech"
)

const defaultMaxAudioBytes int64 = 10 << 20

// Dependencies wires the handler to its collaborators. Voices may be nil when
// no synthesis backend is configured.
type Dependencies struct {
	Auth          *auth.Service
	Conversations conversation.Store
	Pipeline      *pipeline.Pipeline
	Voices        speech.VoiceLister
	MaxAudioBytes int64
	Logger        *zap.Logger
}

type Handler struct {
	authService   *auth.Service
	conversations conversation.Store
	pipeline      *pipeline.Pipeline
	voices        speech.VoiceLister
	maxAudioBytes int64
	logger        *zap.Logger
	now           func() time.Time
}

func NewHandler(deps Dependencies) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAudio := deps.MaxAudioBytes
	if maxAudio <= 0 {
		maxAudio = defaultMaxAudioBytes
	}

	return &Handler{
		authService:   deps.Auth,
		conversations: deps.Conversations,
		pipeline:      deps.Pipeline,
		voices:        deps.Voices,
		maxAudioBytes: maxAudio,
		logger:        logger.Named("api"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.handleHealth)

	apiGroup := router.Group("/api")

	authGroup := apiGroup.Group("/auth")
	authGroup.POST("/register", h.handleRegister)
	authGroup.POST("/login", h.handleLogin)

	protected := apiGroup.Group("", h.authService.Middleware())
	protected.POST("/conversations", h.handleCreateConversation)
	protected.GET("/conversations", h.handleListConversations)
	protected.GET("/conversations/:id", h.handleGetConversation)
	protected.POST("/conversations/:id/chat", h.handleChat)
	protected.GET("/voices", h.handleListVoices)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type createConversationRequest struct {
	Title string `json:"title"`
}

type chatRequest struct {
	Text string `json:"text"`
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": h.now().Format(time.RFC3339),
	})
}

func (h *Handler) handleRegister(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_input", "invalid payload", err)
		return
	}

	result, err := h.authService.Register(c.Request.Context(), auth.RegisterInput{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUsernameRequired), errors.Is(err, auth.ErrUsernameTooLong), errors.Is(err, auth.ErrPasswordTooWeak):
			writeError(c, http.StatusBadRequest, "invalid_input", err.Error(), err)
		case errors.Is(err, auth.ErrUserExists):
			writeError(c, http.StatusConflict, "conflict", err.Error(), err)
		default:
			h.internalError(c, "failed to register user", err)
		}
		return
	}

	c.JSON(http.StatusCreated, newAuthResponse(result))
}

func (h *Handler) handleLogin(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_input", "invalid payload", err)
		return
	}

	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(c, http.StatusBadRequest, "invalid_input", "username and password are required", auth.ErrInvalidCredentials)
		return
	}

	result, err := h.authService.Login(c.Request.Context(), auth.LoginInput{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(c, http.StatusUnauthorized, "unauthorized", "invalid username or password", err)
			return
		}
		h.internalError(c, "failed to login", err)
		return
	}

	c.JSON(http.StatusOK, newAuthResponse(result))
}

func (h *Handler) handleCreateConversation(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_input", "invalid payload", err)
		return
	}

	conv, err := h.conversations.Create(c.Request.Context(), user.ID, req.Title)
	if err != nil {
		if errors.Is(err, conversation.ErrTitleRequired) {
			writeError(c, http.StatusBadRequest, "invalid_input", "title is required", err)
			return
		}
		h.internalError(c, "failed to create conversation", err)
		return
	}

	c.JSON(http.StatusCreated, conversationResponse(conv, true))
}

func (h *Handler) handleListConversations(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	page, err := queryInt(c, "page")
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_input", "page must be a number", err)
		return
	}
	pageSize, err := queryInt(c, "page_size")
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_input", "page_size must be a number", err)
		return
	}

	result, err := h.conversations.List(c.Request.Context(), user.ID, conversation.ListQuery{
		Search:   c.Query("search"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		h.internalError(c, "failed to list conversations", err)
		return
	}

	data := make([]gin.H, 0, len(result.Data))
	for i := range result.Data {
		data = append(data, conversationResponse(&result.Data[i], false))
	}

	totalPages := 0
	if result.PageSize > 0 {
		totalPages = int(math.Ceil(float64(result.Total) / float64(result.PageSize)))
	}

	c.JSON(http.StatusOK, gin.H{
		"data": data,
		"pagination": gin.H{
			"page":       result.Page,
			"pageSize":   result.PageSize,
			"total":      result.Total,
			"totalPages": totalPages,
		},
	})
}

func (h *Handler) handleGetConversation(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	conv, err := h.conversations.Load(c.Request.Context(), c.Param("id"), user.ID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(c, http.StatusNotFound, "not_found", "conversation not found", err)
			return
		}
		h.internalError(c, "failed to load conversation", err)
		return
	}

	c.JSON(http.StatusOK, conversationResponse(conv, true))
}

func (h *Handler) handleChat(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	input, err := h.readChatInput(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_input", err.Error(), err)
		return
	}

	result, err := h.pipeline.ProcessTurn(c.Request.Context(), c.Param("id"), user, input)
	if err != nil {
		status, code, message := classifyTurnError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Warn("chat turn failed",
				zap.String("conversation_id", c.Param("id")),
				zap.Int("status", status),
				zap.Error(err),
			)
		}
		writeError(c, status, code, message, err)
		return
	}

	body := gin.H{
		"conversation_id": result.ConversationID,
		"reply":           result.Reply,
		"transcript":      result.Transcript,
		"audio":           nil,
		"audio_format":    nil,
	}
	if result.Audio != nil {
		body["audio"] = base64.StdEncoding.EncodeToString(result.Audio)
		body["audio_format"] = result.AudioFormat
	}
	if result.SynthesisErr != nil {
		body["error"] = "speech synthesis failed: " + result.SynthesisErr.Error()
	}

	c.JSON(http.StatusOK, body)
}

func (h *Handler) handleListVoices(c *gin.Context) {
	if h.voices == nil {
		writeError(c, http.StatusServiceUnavailable, "unavailable", "speech synthesis is not configured", speech.ErrNotConfigured)
		return
	}

	voices, err := h.voices.ListVoices(c.Request.Context())
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, speech.ErrNotConfigured) {
			status = http.StatusServiceUnavailable
		}
		writeError(c, status, "upstream_error", "failed to list voices", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": voices})
}

// readChatInput accepts either a JSON body with text or a multipart form with
// a text field and/or an audio file.
func (h *Handler) readChatInput(c *gin.Context) (pipeline.Input, error) {
	if !strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		var req chatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return pipeline.Input{}, fmt.Errorf("invalid payload: %w", err)
		}
		return pipeline.Input{Text: req.Text}, nil
	}

	input := pipeline.Input{Text: c.PostForm("text")}

	header, err := c.FormFile("audio")
	if errors.Is(err, http.ErrMissingFile) {
		return input, nil
	}
	if err != nil {
		return pipeline.Input{}, fmt.Errorf("invalid audio upload: %w", err)
	}
	if header.Size > h.maxAudioBytes {
		return pipeline.Input{}, fmt.Errorf("audio exceeds %d bytes", h.maxAudioBytes)
	}

	file, err := header.Open()
	if err != nil {
		return pipeline.Input{}, fmt.Errorf("open audio upload: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxAudioBytes+1))
	if err != nil {
		return pipeline.Input{}, fmt.Errorf("read audio upload: %w", err)
	}
	if int64(len(data)) > h.maxAudioBytes {
		return pipeline.Input{}, fmt.Errorf("audio exceeds %d bytes", h.maxAudioBytes)
	}

	input.Audio = data
	return input, nil
}

func classifyTurnError(err error) (int, string, string) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input", "invalid chat input"
	case errors.Is(err, pipeline.ErrNotFound):
		return http.StatusNotFound, "not_found", "conversation not found"
	case errors.Is(err, pipeline.ErrTranscriptionFailed):
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return http.StatusGatewayTimeout, "transcription_timeout", "speech recognition timed out"
		case errors.Is(err, speech.ErrNoSpeech),
			errors.Is(err, audio.ErrMalformedAudio),
			errors.Is(err, audio.ErrUnsupportedAudio),
			errors.Is(err, audio.ErrEmptyAudio):
			return http.StatusUnprocessableEntity, "transcription_failed", "could not recognise speech in the audio"
		default:
			return http.StatusBadGateway, "transcription_failed", "speech recognition failed"
		}
	case errors.Is(err, pipeline.ErrGenerationFailed):
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, "generation_timeout", "reply generation timed out"
		}
		return http.StatusBadGateway, "generation_failed", "reply generation failed"
	case errors.Is(err, pipeline.ErrCommitFailed):
		return http.StatusInternalServerError, "commit_failed", "failed to save conversation"
	default:
		return http.StatusInternalServerError, "internal_error", "failed to process chat turn"
	}
}

func currentUser(c *gin.Context) (models.User, bool) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "unauthorized", "authentication required", auth.ErrInvalidToken)
		return models.User{}, false
	}
	return user, true
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func conversationResponse(conv *models.Conversation, withHistory bool) gin.H {
	body := gin.H{
		"id":        conv.ID,
		"title":     conv.Title,
		"createdAt": conv.CreatedAt.Format(time.RFC3339),
		"updatedAt": conv.UpdatedAt.Format(time.RFC3339),
	}
	if withHistory {
		turns := conv.Turns
		if turns == nil {
			turns = models.TurnLog{}
		}
		body["history"] = turns
	}
	return body
}

func newAuthResponse(result *auth.AuthResult) gin.H {
	return gin.H{
		"token":     result.Token,
		"expiresAt": result.ExpiresAt.Format(time.RFC3339),
		"user": gin.H{
			"id":        result.User.ID,
			"username":  result.User.Username,
			"createdAt": result.User.CreatedAt.Format(time.RFC3339),
			"updatedAt": result.User.UpdatedAt.Format(time.RFC3339),
		},
	}
}

func (h *Handler) internalError(c *gin.Context, message string, err error) {
	h.logger.Error(message, zap.String("path", c.FullPath()), zap.Error(err))
	writeError(c, http.StatusInternalServerError, "internal_error", message, err)
}

func writeError(c *gin.Context, status int, code, message string, err error) {
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
		"code":    code,
	})
}
