package transcriber

import (
	"encoding/json"
	"strings"
)

// Message types emitted by the API that the relay acts on.
const (
	TypeTranscript  = "transcript"
	TypeTranslation = "translation"
	TypeError       = "error"
)

type utterance struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// MessageData is the payload of an upstream event. Fields are present
// depending on the event type.
type MessageData struct {
	Utterance           *utterance `json:"utterance,omitempty"`
	TranslatedUtterance *utterance `json:"translated_utterance,omitempty"`
	IsFinal             bool       `json:"is_final,omitempty"`
	Message             string     `json:"message,omitempty"`
}

// Message is one event received on the session socket.
type Message struct {
	Type string       `json:"type"`
	Data *MessageData `json:"data,omitempty"`
}

// ParseMessage decodes a socket payload. ok is false for anything that is not
// a JSON object with a type.
func ParseMessage(raw []byte) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		return Message{}, false
	}
	return msg, true
}

// ExtractText returns the caption text carried by msg, if any. Translations
// are used whenever present; final transcripts only when no translation was
// requested, so one utterance is never emitted twice.
func ExtractText(msg Message, translating bool) (string, bool) {
	if msg.Data == nil {
		return "", false
	}

	switch msg.Type {
	case TypeTranslation:
		if u := msg.Data.TranslatedUtterance; u != nil && u.Text != "" {
			return strings.TrimSpace(u.Text), true
		}
	case TypeTranscript:
		if u := msg.Data.Utterance; u != nil && u.Text != "" && msg.Data.IsFinal && !translating {
			return strings.TrimSpace(u.Text), true
		}
	}
	return "", false
}
