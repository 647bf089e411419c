package session

import (
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// EventLog writes one structured record per session lifecycle event.
type EventLog struct {
	log zerolog.Logger
}

func NewEventLog(log zerolog.Logger) *EventLog {
	return &EventLog{log: log}
}

type logRecord struct {
	Event     string
	SessionID string
	Details   map[string]string
}

func (el *EventLog) write(rec logRecord) {
	e := el.log.Info().Str("event", rec.Event).Str("session_id", rec.SessionID)
	for k, v := range rec.Details {
		e = e.Str(k, v)
	}
	e.Msg("session event")
}

func (el *EventLog) SessionStart(sessionID, language, translateTo, deviceID string) {
	el.write(logRecord{Event: "session_start", SessionID: sessionID, Details: map[string]string{
		"language":     language,
		"translate_to": translateTo,
		"device":       deviceID,
	}})
}

func (el *EventLog) StateChange(sessionID string, from, to State, message string) {
	el.write(logRecord{Event: "state", SessionID: sessionID, Details: map[string]string{
		"from":    from.String(),
		"to":      to.String(),
		"message": message,
	}})
}

func (el *EventLog) Caption(sessionID, text string) {
	el.log.Debug().
		Str("event", "caption").
		Str("session_id", sessionID).
		Str("text", strings.TrimSpace(text)).
		Msg("session event")
}

func (el *EventLog) ReconnectScheduled(sessionID string, attempt int, delay time.Duration, reason string) {
	el.write(logRecord{Event: "reconnect", SessionID: sessionID, Details: map[string]string{
		"attempt": strconv.Itoa(attempt),
		"delay":   delay.String(),
		"reason":  reason,
	}})
}

func (el *EventLog) SessionEnd(m *SessionMetrics, reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	rec := logRecord{Event: "session_end", SessionID: m.SessionID, Details: map[string]string{
		"reason":         reason,
		"duration":       m.EndTime.Sub(m.StartTime).Round(time.Millisecond).String(),
		"frames_sent":    strconv.Itoa(m.FramesSent),
		"frames_dropped": strconv.Itoa(m.FramesDropped),
		"captions":       strconv.Itoa(m.Transcripts),
		"reconnects":     strconv.Itoa(m.Reconnects),
	}}
	m.mu.Unlock()
	el.write(rec)
}
