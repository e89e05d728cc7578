// Package history converts between the typed turn log and the text blob stored
// in a conversation's history column.
//
// The current format is a JSON envelope:
//
//	{"version":1,"turns":[{"role":"user","content":"Hello"}]}
//
// Blobs written before the envelope existed are a bare JSON array of turns and
// are still accepted by Decode. An empty blob decodes to an empty log.
package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wuwenbin0122/oraltrainer/internal/models"
)

// CurrentVersion is the version written by Encode.
const CurrentVersion = 1

// Format identifies how a blob was laid out.
type Format string

const (
	FormatEmpty     Format = "empty"
	FormatLegacy    Format = "legacy"
	FormatVersioned Format = "versioned"
)

var (
	ErrMalformed          = errors.New("history: malformed blob")
	ErrUnsupportedVersion = errors.New("history: unsupported version")
	ErrInvalidRole        = errors.New("history: invalid role")
)

type envelope struct {
	Version int            `json:"version"`
	Turns   models.TurnLog `json:"turns"`
}

// Encode serialises turns into the current versioned format.
func Encode(turns models.TurnLog) (string, error) {
	if err := validate(turns); err != nil {
		return "", err
	}

	env := envelope{Version: CurrentVersion, Turns: turns}
	if env.Turns == nil {
		env.Turns = models.TurnLog{}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("history: encode: %w", err)
	}
	return string(data), nil
}

// Decode parses a stored blob in any supported format.
func Decode(blob string) (models.TurnLog, error) {
	turns, _, err := DecodeWithFormat(blob)
	return turns, err
}

// DecodeWithFormat parses blob and reports which layout it used.
func DecodeWithFormat(blob string) (models.TurnLog, Format, error) {
	trimmed := bytes.TrimSpace([]byte(blob))
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return models.TurnLog{}, FormatEmpty, nil
	}

	switch trimmed[0] {
	case '[':
		var turns models.TurnLog
		if err := json.Unmarshal(trimmed, &turns); err != nil {
			return nil, FormatLegacy, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if turns == nil {
			turns = models.TurnLog{}
		}
		if err := validate(turns); err != nil {
			return nil, FormatLegacy, err
		}
		return turns, FormatLegacy, nil
	case '{':
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, FormatVersioned, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if env.Version != CurrentVersion {
			return nil, FormatVersioned, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
		}
		if env.Turns == nil {
			env.Turns = models.TurnLog{}
		}
		if err := validate(env.Turns); err != nil {
			return nil, FormatVersioned, err
		}
		return env.Turns, FormatVersioned, nil
	default:
		return nil, "", ErrMalformed
	}
}

// Append decodes blob, appends turns and re-encodes the result.
func Append(blob string, turns ...models.Turn) (string, models.TurnLog, error) {
	current, err := Decode(blob)
	if err != nil {
		return "", nil, err
	}

	next := append(current.Clone(), turns...)
	encoded, err := Encode(next)
	if err != nil {
		return "", nil, err
	}
	return encoded, next, nil
}

func validate(turns models.TurnLog) error {
	for i, turn := range turns {
		if !models.ValidRole(turn.Role) {
			return fmt.Errorf("%w %q at index %d", ErrInvalidRole, turn.Role, i)
		}
	}
	return nil
}
