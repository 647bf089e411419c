package broadcast

import (
	"encoding/json"
	"fmt"
	"io"
)

type textPayload struct {
	Text string `json:"text"`
}

type stylePayload struct {
	Type string `json:"type"`
	Style
}

type infoPayload struct {
	Message string `json:"message"`
}

// Payload is the JSON body carried in the data field of an SSE event.
func (m Message) Payload() any {
	switch m.Kind {
	case KindText:
		return textPayload{Text: m.Text}
	case KindStyle:
		p := stylePayload{Type: string(KindStyle)}
		if m.Style != nil {
			p.Style = *m.Style
		}
		return p
	case KindShutdown:
		return infoPayload{Message: m.Info}
	default:
		return struct{}{}
	}
}

// WriteEvent writes m in server-sent events framing:
//
//	id:<id>
//	event:<kind>
//	data:<json>
func WriteEvent(w io.Writer, m Message) error {
	data, err := json.Marshal(m.Payload())
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", m.Kind, err)
	}
	_, err = fmt.Fprintf(w, "id:%d\nevent:%s\ndata:%s\n\n", m.ID, m.Kind, data)
	return err
}

// WriteComment writes an SSE comment line, ignored by EventSource clients.
func WriteComment(w io.Writer, comment string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", comment)
	return err
}
