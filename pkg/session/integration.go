package session

import (
	"context"
	"fmt"
	"strings"

	"voice-integrity-server/pkg/alerting"
	"voice-integrity-server/pkg/classifier"
	"voice-integrity-server/pkg/database"
	"voice-integrity-server/pkg/integrity"
)

// Recorder durably records risky cycles and final summaries. It is
// satisfied by *database.Repository.
type Recorder interface {
	CreateFlag(ctx context.Context, userID string, flag *database.IntegrityFlag) (*database.IntegrityFlag, error)
	CreateEvent(ctx context.Context, userID string, event *database.IntegrityEvent) (*database.IntegrityEvent, error)
	SaveSummary(ctx context.Context, record *database.SessionSummaryRecord) error
}

var _ Recorder = (*database.Repository)(nil)

// Alerter raises integrity alerts. It is satisfied by *alerting.AlertManager.
type Alerter interface {
	ShouldAlert(probability float64) bool
	RaiseFor(ctx context.Context, prediction classifier.Prediction, orgID string) (*alerting.IntegrityAlert, error)
}

var _ Alerter = (*alerting.AlertManager)(nil)

// SummaryPublisher forwards final summaries to a broker
type SummaryPublisher interface {
	PublishSessionSummary(ctx context.Context, sessionID string, summary interface{}) error
}

// NewIntegrityFlag builds the flag recorded for a cycle whose probability
// crossed the reporting threshold
func NewIntegrityFlag(sessionID string, result *integrity.Result) *database.IntegrityFlag {
	p := result.Prediction
	return &database.IntegrityFlag{
		SessionID:       sessionID,
		FlagType:        database.FlagTypeVoiceCheating,
		Severity:        database.SeverityForConfidence(p.Probability),
		ConfidenceScore: p.Probability,
		Evidence: map[string]interface{}{
			"risk_score":           p.RiskScore,
			"confidence":           p.Confidence,
			"contributing_factors": p.ContributingFactors,
			"risk_breakdown":       p.RiskBreakdown,
			"evidence_summary":     p.EvidenceSummary,
			"model_used":           p.ModelUsed,
			"failed_analyzers":     result.Detailed.Failed,
		},
		AnalysisSummary: analysisSummary(p),
	}
}

// NewAnalysisEvent builds the event logged next to an integrity flag
func NewAnalysisEvent(sessionID string, result *integrity.Result) *database.IntegrityEvent {
	p := result.Prediction
	return &database.IntegrityEvent{
		SessionID: sessionID,
		EventType: database.EventTypeVoiceAnalysis,
		Data: map[string]interface{}{
			"risk_score":       p.RiskScore,
			"probability":      p.Probability,
			"is_cheating":      p.IsCheating,
			"model_used":       p.ModelUsed,
			"speech_ratio":     result.Detailed.Voice.SpeechRatio,
			"total_speakers":   result.Detailed.Speaker.TotalSpeakers,
			"stress_level":     result.Detailed.Emotion.Predictions.StressLevel,
			"help_seeking":     result.Detailed.Behavioral.HelpSeekingPhrases,
			"answer_receiving": result.Detailed.Behavioral.AnswerReceivingPhrases,
		},
	}
}

func analysisSummary(p classifier.Prediction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Voice analysis estimated a %.1f%% cheating probability (risk %.2f, %s).",
		p.Probability*100, p.RiskScore, p.ModelUsed)
	if len(p.ContributingFactors) > 0 {
		fmt.Fprintf(&b, " Contributing factors: %s.", strings.Join(p.ContributingFactors, "; "))
	}
	return b.String()
}

// summaryRecord converts a final summary into its database row
func summaryRecord(s *Summary) *database.SessionSummaryRecord {
	return &database.SessionSummaryRecord{
		SessionID:       s.SessionID,
		UserID:          s.UserID,
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		DurationSeconds: s.DurationSeconds,
		ChunksProcessed: s.AudioChunksProcessed,
		AlertsGenerated: s.AlertsGenerated,
		FinalRiskScore:  s.FinalRiskScore,
		Summary: map[string]interface{}{
			"risk_history":       s.RiskHistory,
			"analysis_counts":    s.AnalysisCounts,
			"total_voice_events": s.TotalVoiceEvents,
			"failed_cycles":      s.FailedCycles,
			"speech_ratio":       s.VoiceProcessorSummary.SpeechRatio,
		},
	}
}
