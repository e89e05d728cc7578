// Package llm produces assistant replies from a user prompt and the
// conversation history.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/wuwenbin0122/oraltrainer/internal/history"
	"github.com/wuwenbin0122/oraltrainer/internal/models"
)

// Generator produces one assistant reply. serializedHistory is the encoded
// turn log, which may already end with the user turn for prompt.
type Generator interface {
	Generate(ctx context.Context, prompt, serializedHistory string) (string, error)
}

var (
	ErrEmptyPrompt = errors.New("llm: prompt is empty")
	ErrEmptyReply  = errors.New("llm: model returned an empty reply")
)

const (
	defaultSummaryThreshold = 16
	defaultRecentKeep       = 8
	maxSummaryRuneLength    = 120

	practiceInstruction = "Respond in English for oral practice"
)

const systemPrompt = "You are a friendly English conversation partner helping the user practise speaking. " +
	"Reply in natural spoken English using one to three short sentences. " +
	"Gently rephrase any mistakes the user made, and ask a follow-up question when it keeps the conversation going."

// priorTurns decodes the serialized history and drops the trailing user turn
// when it is the prompt itself, leaving only the turns that came before it.
func priorTurns(prompt, serializedHistory string) (models.TurnLog, error) {
	turns, err := history.Decode(serializedHistory)
	if err != nil {
		return nil, fmt.Errorf("llm: decode history: %w", err)
	}

	if n := len(turns); n > 0 {
		last := turns[n-1]
		if last.Role == models.RoleUser && strings.TrimSpace(last.Content) == prompt {
			turns = turns[:n-1]
		}
	}

	return turns, nil
}

// splitHistory keeps the most recent turns verbatim and folds older ones into
// a numbered summary once the history grows past threshold.
func splitHistory(turns models.TurnLog, threshold, recentKeep int) (string, models.TurnLog) {
	cleaned := make(models.TurnLog, 0, len(turns))
	for _, turn := range turns {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		cleaned = append(cleaned, models.Turn{Role: turn.Role, Content: content})
	}

	if threshold <= 0 || len(cleaned) <= threshold {
		return "", cleaned
	}

	if recentKeep <= 0 {
		recentKeep = defaultRecentKeep
	}
	if recentKeep > len(cleaned) {
		recentKeep = len(cleaned)
	}

	cutoff := len(cleaned) - recentKeep
	summary := summariseTurns(cleaned[:cutoff])
	preserved := append(models.TurnLog(nil), cleaned[cutoff:]...)

	return summary, preserved
}

func summariseTurns(turns models.TurnLog) string {
	if len(turns) == 0 {
		return ""
	}

	var builder strings.Builder
	for i, turn := range turns {
		builder.WriteString(fmt.Sprintf("%d. %s: %s\n", i+1, labelForRole(turn.Role), truncateRunes(turn.Content, maxSummaryRuneLength)))
	}

	return strings.TrimSpace(builder.String())
}

func labelForRole(role string) string {
	if role == models.RoleAssistant {
		return "Assistant"
	}
	return "User"
}

func truncateRunes(input string, max int) string {
	if max <= 0 || utf8.RuneCountInString(input) <= max {
		return input
	}

	var builder strings.Builder
	count := 0
	for _, r := range input {
		if count >= max {
			builder.WriteRune('…')
			break
		}
		builder.WriteRune(r)
		count++
	}
	return builder.String()
}

// cleanReply strips a leading speaker label some models echo back.
func cleanReply(reply string) string {
	reply = strings.TrimSpace(reply)
	if strings.HasPrefix(reply, "Assistant:") {
		reply = strings.TrimSpace(strings.TrimPrefix(reply, "Assistant:"))
	}
	return reply
}
