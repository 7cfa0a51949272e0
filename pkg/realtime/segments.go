package realtime

// SpeechSegment is a contiguous stretch of speech in session audio time
type SpeechSegment struct {
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
}

// SpeechSegmentsFromRecords merges consecutive speech records into segments.
// Segment times are relative to the first record so a window of records
// yields window-relative segments.
func SpeechSegmentsFromRecords(records []VoiceActivityRecord) []SpeechSegment {
	if len(records) == 0 {
		return nil
	}
	origin := records[0].Offset

	var segments []SpeechSegment
	var current *SpeechSegment
	for _, r := range records {
		if !r.IsSpeech {
			current = nil
			continue
		}
		start := r.Offset - origin
		end := start + r.Duration
		if current == nil {
			segments = append(segments, SpeechSegment{Start: start, End: end})
			current = &segments[len(segments)-1]
			continue
		}
		current.End = end
	}

	for i := range segments {
		segments[i].Duration = segments[i].End - segments[i].Start
	}
	return segments
}
