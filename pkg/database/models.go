package database

import (
	"time"
)

// FlagSeverity is the review priority of an integrity flag
type FlagSeverity string

const (
	SeverityLow      FlagSeverity = "low"
	SeverityMedium   FlagSeverity = "medium"
	SeverityHigh     FlagSeverity = "high"
	SeverityCritical FlagSeverity = "critical"
)

// SeverityForConfidence maps a cheating probability to a flag severity
func SeverityForConfidence(p float64) FlagSeverity {
	switch {
	case p > 0.9:
		return SeverityCritical
	case p > 0.8:
		return SeverityHigh
	case p > 0.6:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

const (
	FlagTypeVoiceCheating = "voice_cheating_detected"
	FlagStatusPending     = "pending"

	EventTypeVoiceAnalysis = "voice_analysis"
)

// IntegrityFlag is a durable record for human review of one risky cycle
type IntegrityFlag struct {
	ID              string                 `gorm:"primaryKey;size:36" json:"id"`
	UserID          string                 `gorm:"index;size:64" json:"user_id"`
	SessionID       string                 `gorm:"index;size:128" json:"session_id"`
	FlagType        string                 `gorm:"size:64" json:"flag_type"`
	Severity        FlagSeverity           `gorm:"size:16" json:"severity"`
	ConfidenceScore float64                `json:"confidence_score"`
	Evidence        map[string]interface{} `gorm:"serializer:json" json:"evidence"`
	AnalysisSummary string                 `gorm:"type:text" json:"analysis_summary"`
	Status          string                 `gorm:"size:16;default:pending" json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// IntegrityEvent is an append-only log entry attached to a session
type IntegrityEvent struct {
	ID        string                 `gorm:"primaryKey;size:36" json:"id"`
	UserID    string                 `gorm:"index;size:64" json:"user_id"`
	SessionID string                 `gorm:"index;size:128" json:"session_id"`
	EventType string                 `gorm:"size:64" json:"event_type"`
	Data      map[string]interface{} `gorm:"serializer:json" json:"data"`
	CreatedAt time.Time              `json:"created_at"`
}

// SessionSummaryRecord is the final summary of a stopped voice session
type SessionSummaryRecord struct {
	SessionID       string                 `gorm:"primaryKey;size:128" json:"session_id"`
	UserID          string                 `gorm:"index;size:64" json:"user_id"`
	StartTime       time.Time              `json:"start_time"`
	EndTime         time.Time              `json:"end_time"`
	DurationSeconds float64                `json:"duration_seconds"`
	ChunksProcessed int64                  `json:"audio_chunks_processed"`
	AlertsGenerated int64                  `json:"alerts_generated"`
	FinalRiskScore  float64                `json:"final_risk_score"`
	Summary         map[string]interface{} `gorm:"serializer:json" json:"summary"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// ModelArtifact stores one serialized classifier
type ModelArtifact struct {
	ID              uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name            string    `gorm:"index;size:64" json:"name"`
	ModelUsed       string    `gorm:"size:64" json:"model_used"`
	TrainingSamples int       `json:"training_samples"`
	Data            []byte    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// FlagFilter narrows ListFlags results
type FlagFilter struct {
	UserID    string
	SessionID string
	Severity  FlagSeverity
	Limit     int
	Offset    int
}
