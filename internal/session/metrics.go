package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/amanullahtanweer/caption-relay/internal/audio"
)

// SessionMetrics accumulates counters for one user-started session,
// including any reconnects inside it. A nil *SessionMetrics ignores updates.
type SessionMetrics struct {
	SessionID       string
	StartTime       time.Time
	EndTime         time.Time
	AudioBytes      int
	FramesSent      int
	FramesDropped   int
	Transcripts     int
	TranscriptChars int
	Reconnects      int
	FirstResultTime *time.Time
	mu              sync.Mutex
}

func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		SessionID: sessionID,
		StartTime: time.Now(),
	}
}

func (m *SessionMetrics) AddFrame(bytes int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AudioBytes += bytes
	m.FramesSent++
}

func (m *SessionMetrics) AddDropped() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FramesDropped++
}

func (m *SessionMetrics) AddTranscript(text string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FirstResultTime == nil {
		now := time.Now()
		m.FirstResultTime = &now
	}
	m.Transcripts++
	m.TranscriptChars += len(text)
}

func (m *SessionMetrics) AddReconnect() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reconnects++
}

// Finalize stamps the end time. It reports false if the session had
// already ended.
func (m *SessionMetrics) Finalize() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.EndTime.IsZero() {
		return false
	}
	m.EndTime = time.Now()
	return true
}

// AudioDuration is the amount of 16-bit mono audio sent upstream.
func (m *SessionMetrics) AudioDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return audioDuration(m.AudioBytes)
}

func audioDuration(bytes int) time.Duration {
	return time.Duration(float64(bytes) / (audio.TargetRate * 2) * float64(time.Second))
}

func (m *SessionMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := m.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	duration := end.Sub(m.StartTime)
	var latency time.Duration
	if m.FirstResultTime != nil {
		latency = m.FirstResultTime.Sub(m.StartTime)
	}

	return fmt.Sprintf(
		"Session: %s\n"+
			"Duration: %v\n"+
			"Audio Duration: %.2f seconds\n"+
			"Frames Sent: %d\n"+
			"Frames Dropped: %d\n"+
			"Captions: %d (%d chars)\n"+
			"First Result Latency: %v\n"+
			"Reconnects: %d\n",
		m.SessionID,
		duration.Round(time.Millisecond),
		audioDuration(m.AudioBytes).Seconds(),
		m.FramesSent,
		m.FramesDropped,
		m.Transcripts,
		m.TranscriptChars,
		latency.Round(time.Millisecond),
		m.Reconnects,
	)
}
