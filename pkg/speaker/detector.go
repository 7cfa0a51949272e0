package speaker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/groupcache/lru"
	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/audio"
	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/realtime"
)

// FallbackPattern marks a multi-speaker estimate from the energy heuristic
const FallbackPattern = "Fallback analysis - limited accuracy"

// Config holds the speaker detection thresholds
type Config struct {
	FallbackWindows      int     `yaml:"fallback_windows" json:"fallback_windows"`
	FallbackEnergyCV     float64 `yaml:"fallback_energy_cv" json:"fallback_energy_cv"`
	FallbackConfidence   float64 `yaml:"fallback_confidence" json:"fallback_confidence"`
	FrequentSwitches     int     `yaml:"frequent_switches" json:"frequent_switches"`
	ExcessiveSwitches    int     `yaml:"excessive_switches" json:"excessive_switches"`
	CoachingSwitches     int     `yaml:"coaching_switches" json:"coaching_switches"`
	DominantRatio        float64 `yaml:"dominant_ratio" json:"dominant_ratio"`
	UnclearRatio         float64 `yaml:"unclear_ratio" json:"unclear_ratio"`
	OverlapSeconds       float64 `yaml:"overlap_seconds" json:"overlap_seconds"`
	SegmentConfidence    float64 `yaml:"segment_confidence" json:"segment_confidence"`
	HistorySize          int     `yaml:"history_size" json:"history_size"`
	CacheEntries         int     `yaml:"cache_entries" json:"cache_entries"`
	RecentSummaryEntries int     `yaml:"recent_summary_entries" json:"recent_summary_entries"`
}

// DefaultConfig returns the stock speaker thresholds
func DefaultConfig() Config {
	return Config{
		FallbackWindows:      10,
		FallbackEnergyCV:     0.5,
		FallbackConfidence:   0.4,
		FrequentSwitches:     10,
		ExcessiveSwitches:    20,
		CoachingSwitches:     5,
		DominantRatio:        0.6,
		UnclearRatio:         0.4,
		OverlapSeconds:       5,
		SegmentConfidence:    0.8,
		HistorySize:          1000,
		CacheEntries:         256,
		RecentSummaryEntries: 5,
	}
}

// Turn is one labeled stretch of audio returned by a diarization backend.
// Times are seconds from the start of the analyzed buffer.
type Turn struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// Diarizer labels who spoke when. Turns are returned in start order.
type Diarizer interface {
	Name() string
	Diarize(ctx context.Context, samples []float64, sampleRate int) ([]Turn, error)
}

// SegmentFeatures are simple amplitude descriptors of one segment
type SegmentFeatures struct {
	RMSEnergy        float64 `json:"rms_energy"`
	ZeroCrossingRate float64 `json:"zero_crossing_rate"`
	SegmentLength    int     `json:"segment_length"`
	MaxAmplitude     float64 `json:"max_amplitude"`
	MinAmplitude     float64 `json:"min_amplitude"`
}

// Segment is a diarized turn with its audio descriptors
type Segment struct {
	SpeakerID     string          `json:"speaker_id"`
	StartTime     float64         `json:"start_time"`
	EndTime       float64         `json:"end_time"`
	Duration      float64         `json:"duration"`
	Confidence    float64         `json:"confidence"`
	AudioFeatures SegmentFeatures `json:"audio_features"`
}

// Analysis is the result of one speaker analysis cycle
type Analysis struct {
	SessionID                 string    `json:"session_id"`
	TotalSpeakers             int       `json:"total_speakers"`
	PrimarySpeakerRatio       float64   `json:"primary_speaker_ratio"`
	SpeakerSwitches           int       `json:"speaker_switches"`
	OverlappingSpeechDuration float64   `json:"overlapping_speech_duration"`
	SpeakerSegments           []Segment `json:"speaker_segments"`
	SuspiciousPatterns        []string  `json:"suspicious_patterns"`
	ConfidenceScore           float64   `json:"confidence_score"`
	Fallback                  bool      `json:"fallback,omitempty"`
	Backend                   string    `json:"backend"`
	AnalysisTimestamp         time.Time `json:"analysis_timestamp"`
}

// Summary aggregates the analysis history
type Summary struct {
	Message                string     `json:"message,omitempty"`
	TotalSessionsAnalyzed  int        `json:"total_sessions_analyzed"`
	MultiSpeakerSessions   int        `json:"multi_speaker_sessions"`
	MultiSpeakerPercentage float64    `json:"multi_speaker_percentage"`
	RecentAnalyses         []Analysis `json:"recent_analyses"`
	ModelAvailable         bool       `json:"model_available"`
}

// DetectorStats counts backend usage
type DetectorStats struct {
	Analyses         int64 `json:"analyses"`
	CacheHits        int64 `json:"cache_hits"`
	FallbackAnalyses int64 `json:"fallback_analyses"`
	BackendFailures  int64 `json:"backend_failures"`
}

// Detector estimates how many people are speaking in a buffer and flags
// conversation-like patterns.
type Detector struct {
	cfg      Config
	diarizer Diarizer
	pool     *realtime.WorkerPool
	logger   *logrus.Entry

	mutex   sync.Mutex
	cache   *lru.Cache
	history *realtime.Ring[Analysis]
	stats   DetectorStats
}

// NewDetector creates a detector. A nil diarizer selects the energy heuristic
// and a nil pool runs analysis inline.
func NewDetector(cfg Config, diarizer Diarizer, pool *realtime.WorkerPool, logger *logrus.Logger) *Detector {
	defaults := DefaultConfig()
	if cfg.FallbackWindows <= 0 {
		cfg.FallbackWindows = defaults.FallbackWindows
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaults.HistorySize
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = defaults.CacheEntries
	}
	if cfg.RecentSummaryEntries <= 0 {
		cfg.RecentSummaryEntries = defaults.RecentSummaryEntries
	}

	backend := "fallback"
	if diarizer != nil {
		backend = diarizer.Name()
	}
	return &Detector{
		cfg:      cfg,
		diarizer: diarizer,
		pool:     pool,
		logger:   logger.WithFields(logrus.Fields{"component": "speaker_detector", "backend": backend}),
		cache:    lru.New(cfg.CacheEntries),
		history:  realtime.NewRing[Analysis](cfg.HistorySize),
	}
}

// ModelAvailable reports whether a diarization backend is configured
func (d *Detector) ModelAvailable() bool {
	return d.diarizer != nil
}

// cacheKey identifies a buffer by session, length and content so a sliding
// window of constant length never returns a stale analysis
func cacheKey(sessionID string, samples []float64) string {
	h := xxhash.New()
	var buf [8]byte
	for _, v := range samples {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return fmt.Sprintf("%s_%d_%016x", sessionID, len(samples), h.Sum64())
}

// Analyze diarizes samples and derives speaker patterns. Results are cached
// per session and buffer content. When the backend is missing or fails the
// energy heuristic is used instead.
func (d *Detector) Analyze(ctx context.Context, samples []float64, sessionID string, sampleRate int) (Analysis, error) {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	key := cacheKey(sessionID, samples)

	d.mutex.Lock()
	if cached, ok := d.cache.Get(key); ok {
		d.stats.CacheHits++
		d.mutex.Unlock()
		return cached.(Analysis), nil
	}
	d.mutex.Unlock()

	var result Analysis
	err := realtime.RunOn(ctx, d.pool, func() error {
		result = d.analyze(ctx, samples, sampleRate)
		return nil
	})
	if err != nil {
		return Analysis{}, errors.Wrap(err, "speaker analysis failed").WithField("session_id", sessionID).WithCode("ANALYSIS_FAILED")
	}
	result.SessionID = sessionID

	d.mutex.Lock()
	d.cache.Add(key, result)
	d.history.Push(result)
	d.stats.Analyses++
	if result.Fallback {
		d.stats.FallbackAnalyses++
	}
	d.mutex.Unlock()

	d.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"speakers":   result.TotalSpeakers,
		"patterns":   len(result.SuspiciousPatterns),
		"fallback":   result.Fallback,
	}).Debug("Speaker analysis completed")

	return result, nil
}

func (d *Detector) analyze(ctx context.Context, samples []float64, sampleRate int) Analysis {
	if len(samples) == 0 {
		return d.emptyAnalysis()
	}
	if d.diarizer == nil {
		return d.fallbackAnalysis(samples)
	}

	turns, err := d.diarizer.Diarize(ctx, samples, sampleRate)
	if err != nil {
		d.mutex.Lock()
		d.stats.BackendFailures++
		d.mutex.Unlock()
		d.logger.WithError(err).Warning("Speaker diarization failed, using energy heuristic")
		return d.fallbackAnalysis(samples)
	}
	if len(turns) == 0 {
		result := d.emptyAnalysis()
		result.Backend = d.diarizer.Name()
		return result
	}

	result := d.AnalyzeTurns(turns, samples, sampleRate)
	result.Backend = d.diarizer.Name()
	return result
}

func (d *Detector) emptyAnalysis() Analysis {
	return Analysis{
		PrimarySpeakerRatio: 1,
		SpeakerSegments:     []Segment{},
		SuspiciousPatterns:  []string{},
		Backend:             "none",
		AnalysisTimestamp:   time.Now(),
	}
}

// fallbackAnalysis treats high energy variation across equal windows as a
// sign of a second voice
func (d *Detector) fallbackAnalysis(samples []float64) Analysis {
	var energies []float64
	for _, window := range audio.SplitEven(samples, d.cfg.FallbackWindows) {
		energies = append(energies, audio.RMS(window))
	}
	if len(energies) == 0 {
		energies = []float64{audio.RMS(samples)}
	}
	variation := audio.CoefficientOfVariation(energies)

	result := Analysis{
		TotalSpeakers:       1,
		PrimarySpeakerRatio: 0.8,
		SpeakerSwitches:     int(variation * 10),
		SpeakerSegments:     []Segment{},
		SuspiciousPatterns:  []string{},
		ConfidenceScore:     d.cfg.FallbackConfidence,
		Fallback:            true,
		Backend:             "fallback",
		AnalysisTimestamp:   time.Now(),
	}
	if variation > d.cfg.FallbackEnergyCV {
		result.TotalSpeakers = 2
		result.PrimarySpeakerRatio = 0.6
		result.SuspiciousPatterns = append(result.SuspiciousPatterns, FallbackPattern)
	}
	return result
}

// AnalyzeTurns derives speaker statistics from diarized turns over samples
func (d *Detector) AnalyzeTurns(turns []Turn, samples []float64, sampleRate int) Analysis {
	durations := make(map[string]float64)
	segments := make([]Segment, 0, len(turns))
	for _, t := range turns {
		duration := t.End - t.Start
		durations[t.Speaker] += duration
		segments = append(segments, Segment{
			SpeakerID:     t.Speaker,
			StartTime:     t.Start,
			EndTime:       t.End,
			Duration:      duration,
			Confidence:    d.cfg.SegmentConfidence,
			AudioFeatures: segmentFeatures(samples, sampleRate, t.Start, t.End),
		})
	}

	total, primary := 0.0, 0.0
	for _, v := range durations {
		total += v
		primary = math.Max(primary, v)
	}
	ratio := 0.0
	if total > 0 {
		ratio = primary / total
	}

	speakers := len(durations)
	switches := countSwitches(turns)
	overlap := overlappingSpeech(turns)

	return Analysis{
		TotalSpeakers:             speakers,
		PrimarySpeakerRatio:       ratio,
		SpeakerSwitches:           switches,
		OverlappingSpeechDuration: overlap,
		SpeakerSegments:           segments,
		SuspiciousPatterns:        d.suspiciousPatterns(speakers, switches, ratio, overlap),
		ConfidenceScore:           d.confidence(speakers, switches, ratio),
		AnalysisTimestamp:         time.Now(),
	}
}

func countSwitches(turns []Turn) int {
	switches := 0
	for i := 1; i < len(turns); i++ {
		if turns[i].Speaker != turns[i-1].Speaker {
			switches++
		}
	}
	return switches
}

// overlappingSpeech sums pairwise intersections between turns of different
// speakers. Quadratic in the number of turns.
func overlappingSpeech(turns []Turn) float64 {
	overlap := 0.0
	for i := range turns {
		for j := i + 1; j < len(turns); j++ {
			if turns[i].Speaker == turns[j].Speaker {
				continue
			}
			start := math.Max(turns[i].Start, turns[j].Start)
			end := math.Min(turns[i].End, turns[j].End)
			if start < end {
				overlap += end - start
			}
		}
	}
	return overlap
}

func (d *Detector) suspiciousPatterns(speakers, switches int, ratio, overlap float64) []string {
	patterns := []string{}
	if speakers > 1 {
		patterns = append(patterns, fmt.Sprintf("Multiple speakers detected (%d)", speakers))
	}
	if switches > d.cfg.FrequentSwitches {
		patterns = append(patterns, fmt.Sprintf("Frequent speaker switches (%d)", switches))
	}
	if speakers > 1 && ratio < d.cfg.DominantRatio {
		patterns = append(patterns, "No dominant speaker (potential collaboration)")
	}
	if overlap > d.cfg.OverlapSeconds {
		patterns = append(patterns, fmt.Sprintf("Overlapping speech detected (%.1fs)", overlap))
	}
	if speakers == 2 && switches > d.cfg.CoachingSwitches {
		patterns = append(patterns, "Rapid alternating speakers (potential coaching)")
	}
	return patterns
}

func (d *Detector) confidence(speakers, switches int, ratio float64) float64 {
	confidence := 1.0
	if speakers > 2 {
		confidence -= 0.1 * float64(speakers-2)
	}
	if switches > d.cfg.ExcessiveSwitches {
		confidence -= 0.2
	}
	if speakers > 1 && ratio < d.cfg.UnclearRatio {
		confidence -= 0.3
	}
	return audio.Clamp01(confidence)
}

func segmentFeatures(samples []float64, sampleRate int, start, end float64) SegmentFeatures {
	from := int(start * float64(sampleRate))
	to := int(end * float64(sampleRate))
	if from < 0 {
		from = 0
	}
	if to > len(samples) {
		to = len(samples)
	}
	if from >= to {
		return SegmentFeatures{}
	}

	segment := samples[from:to]
	features := SegmentFeatures{
		RMSEnergy:        audio.RMS(segment),
		ZeroCrossingRate: audio.ZeroCrossingRate(segment),
		SegmentLength:    len(segment),
		MinAmplitude:     math.Inf(1),
	}
	for _, s := range segment {
		a := math.Abs(s)
		features.MaxAmplitude = math.Max(features.MaxAmplitude, a)
		features.MinAmplitude = math.Min(features.MinAmplitude, a)
	}
	return features
}

// History returns the retained analyses, oldest first
func (d *Detector) History() []Analysis {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.history.All()
}

// Summary aggregates the history. A non-empty sessionID restricts it to
// that session.
func (d *Detector) Summary(sessionID string) Summary {
	var analyses []Analysis
	for _, a := range d.History() {
		if sessionID == "" || a.SessionID == sessionID {
			analyses = append(analyses, a)
		}
	}
	if len(analyses) == 0 {
		return Summary{Message: "No speaker analysis data available", ModelAvailable: d.ModelAvailable()}
	}

	multi := 0
	for _, a := range analyses {
		if a.TotalSpeakers > 1 {
			multi++
		}
	}
	recent := analyses
	if n := d.cfg.RecentSummaryEntries; len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	return Summary{
		TotalSessionsAnalyzed:  len(analyses),
		MultiSpeakerSessions:   multi,
		MultiSpeakerPercentage: float64(multi) / float64(len(analyses)) * 100,
		RecentAnalyses:         recent,
		ModelAvailable:         d.ModelAvailable(),
	}
}

// GetStats returns a copy of the detector counters
func (d *Detector) GetStats() DetectorStats {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.stats
}

// SpeakerLabels returns the distinct labels of a result in first-seen order
func SpeakerLabels(a Analysis) []string {
	seen := make(map[string]int)
	for _, s := range a.SpeakerSegments {
		if _, ok := seen[s.SpeakerID]; !ok {
			seen[s.SpeakerID] = len(seen)
		}
	}
	labels := make([]string, 0, len(seen))
	for label := range seen {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return seen[labels[i]] < seen[labels[j]] })
	return labels
}
