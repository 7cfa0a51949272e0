package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/realtime"
)

// RiskEntry is one analysis cycle in a session's risk history
type RiskEntry struct {
	Timestamp           time.Time `json:"timestamp"`
	RiskScore           float64   `json:"risk_score"`
	Probability         float64   `json:"probability"`
	IsCheating          bool      `json:"is_cheating"`
	ContributingFactors []string  `json:"contributing_factors,omitempty"`
	ModelUsed           string    `json:"model_used,omitempty"`
	FailedAnalyzers     []string  `json:"failed_analyzers,omitempty"`
}

// AnalysisCounts counts completed analyses by kind
type AnalysisCounts struct {
	Behavioral      int `json:"behavioral"`
	Speaker         int `json:"speaker"`
	Emotion         int `json:"emotion"`
	RiskAssessments int `json:"risk_assessments"`
}

// Summary is synthesized once when a session stops
type Summary struct {
	SessionID             string           `json:"session_id"`
	UserID                string           `json:"user_id,omitempty"`
	OrganizationID        string           `json:"org_id,omitempty"`
	DurationSeconds       float64          `json:"duration_seconds"`
	StartTime             time.Time        `json:"start_time"`
	EndTime               time.Time        `json:"end_time"`
	AudioChunksProcessed  int64            `json:"audio_chunks_processed"`
	AlertsGenerated       int64            `json:"alerts_generated"`
	FinalRiskScore        float64          `json:"final_risk_score"`
	VoiceProcessorSummary realtime.Summary `json:"voice_processor_summary"`
	RiskHistory           []RiskEntry      `json:"risk_history"`
	TotalVoiceEvents      int64            `json:"total_voice_events"`
	FailedCycles          int              `json:"failed_cycles"`
	AnalysisCounts        AnalysisCounts   `json:"analysis_counts"`
}

// SummaryStore keeps final summaries of stopped sessions
type SummaryStore interface {
	Save(ctx context.Context, summary *Summary) error
	Get(ctx context.Context, sessionID string) (*Summary, error)
	// Recent returns up to limit summaries, newest end time first
	Recent(ctx context.Context, limit int) ([]*Summary, error)
	Health(ctx context.Context) error
	Close() error
	Name() string
}

// MemorySummaryStore keeps summaries in process memory
type MemorySummaryStore struct {
	mutex     sync.RWMutex
	summaries map[string]*Summary
	limit     int
}

// NewMemorySummaryStore creates a store holding at most limit summaries;
// the oldest by end time are evicted first
func NewMemorySummaryStore(limit int) *MemorySummaryStore {
	if limit <= 0 {
		limit = 1000
	}
	return &MemorySummaryStore{summaries: make(map[string]*Summary), limit: limit}
}

func (m *MemorySummaryStore) Name() string { return "memory" }

func (m *MemorySummaryStore) Save(ctx context.Context, summary *Summary) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	copied := *summary
	m.summaries[summary.SessionID] = &copied

	for len(m.summaries) > m.limit {
		var oldest string
		var oldestEnd time.Time
		for id, s := range m.summaries {
			if oldest == "" || s.EndTime.Before(oldestEnd) {
				oldest, oldestEnd = id, s.EndTime
			}
		}
		delete(m.summaries, oldest)
	}
	return nil
}

func (m *MemorySummaryStore) Get(ctx context.Context, sessionID string) (*Summary, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	s, ok := m.summaries[sessionID]
	if !ok {
		return nil, errors.NewNotFound("session summary not found", map[string]interface{}{"session_id": sessionID})
	}
	copied := *s
	return &copied, nil
}

func (m *MemorySummaryStore) Recent(ctx context.Context, limit int) ([]*Summary, error) {
	m.mutex.RLock()
	out := make([]*Summary, 0, len(m.summaries))
	for _, s := range m.summaries {
		copied := *s
		out = append(out, &copied)
	}
	m.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.After(out[j].EndTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemorySummaryStore) Health(ctx context.Context) error { return nil }
func (m *MemorySummaryStore) Close() error                     { return nil }
