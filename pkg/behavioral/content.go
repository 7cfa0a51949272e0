package behavioral

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Phrase match types reported in content details
const (
	MatchHelpSeeking     = "help_seeking"
	MatchHelpPattern     = "help_pattern"
	MatchAnswerReceiving = "answer_receiving"
)

// DefaultSuspiciousPhrases are exact help-seeking phrases in English, Hindi,
// Bengali, Telugu and Tamil
var DefaultSuspiciousPhrases = []string{
	// English
	"what is the answer",
	"help me with",
	"tell me",
	"can you help",
	"what should i write",
	"give me the answer",
	"how do i solve",
	"what's the solution",
	"i don't know this",
	"can you do this",
	"google it",
	"search for",
	"look it up",
	"check online",
	"ask someone",
	"call someone",
	"text someone",
	// Hindi
	"जवाब क्या है",
	"मदद करो",
	"बताओ",
	"हल क्या है",
	"उत्तर दो",
	"यह कैसे करते हैं",
	"गूगल करो",
	// Bengali
	"উত্তর কি",
	"সাহায্য করো",
	"বলো",
	"সমাধান কি",
	// Telugu
	"జవాబు ఏమిటి",
	"సహాయం చేయి",
	"చెప్పు",
	"పరిష్కారం ఏమిటి",
	// Tamil
	"பதில் என்ன",
	"உதவி செய்",
	"சொல்லு",
	"தீர்வு என்ன",
}

// DefaultHelpSeekingPatterns match help-seeking constructs
var DefaultHelpSeekingPatterns = []string{
	`\b(what|how|where|when|why)\s+(is|are|do|does|should|would|can|could)`,
	`\b(help|assist|guide|show)\s+(me|us)`,
	`\b(i\s+don't\s+know|i\s+need\s+help|i'm\s+stuck)`,
	`\b(can\s+you|could\s+you|will\s+you|would\s+you)`,
	`\b(tell\s+me|show\s+me|give\s+me)`,
}

// DefaultAnswerPatterns match answer-receiving constructs
var DefaultAnswerPatterns = []string{
	`\b(the\s+answer\s+is|it\s+is|it's)`,
	`\b(you\s+should|try\s+this|write\s+this)`,
	`\b(option\s+[abcd]|choice\s+[1234])`,
	`\b(correct\s+answer|right\s+answer)`,
	`\b(just\s+write|simply\s+put|the\s+solution)`,
}

// DefaultExternalIndicators reference a third party in the room
var DefaultExternalIndicators = []string{
	"he said",
	"she said",
	"they said",
	"someone said",
	"person said",
	"friend said",
	"teacher said",
}

// questionReading matches a question mark followed later by an interrogative
var questionReading = regexp.MustCompile(`\?.*\b(is|are|what|how|where|when|why)\b`)

// PhraseMatch describes one detected suspicious phrase
type PhraseMatch struct {
	Phrase string `json:"phrase"`
	Type   string `json:"type"`
	// Positions are rune offsets into the case-folded transcription
	Positions []int `json:"positions"`
}

// ContentAnalysis is the transcription sub-analysis
type ContentAnalysis struct {
	QuestionReadingDetected bool          `json:"question_reading_detected"`
	PhraseMatches           int           `json:"phrase_matches"`
	HelpPatternMatches      int           `json:"help_pattern_matches"`
	HelpSeekingPhrases      int           `json:"help_seeking_phrases"`
	AnswerReceivingPhrases  int           `json:"answer_receiving_phrases"`
	ExternalDiscussion      bool          `json:"external_discussion"`
	Details                 []PhraseMatch `json:"suspicious_phrase_details"`
}

type contentMatcher struct {
	phrases    []string
	help       []*regexp.Regexp
	answer     []*regexp.Regexp
	indicators []string
}

func newContentMatcher(cfg Config) (*contentMatcher, error) {
	m := &contentMatcher{
		phrases:    lowerAll(cfg.SuspiciousPhrases),
		indicators: lowerAll(cfg.ExternalIndicators),
	}
	var err error
	if m.help, err = compileAll(cfg.HelpSeekingPatterns); err != nil {
		return nil, err
	}
	if m.answer, err = compileAll(cfg.AnswerPatterns); err != nil {
		return nil, err
	}
	return m, nil
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// analyze counts each listed phrase once and each regex match separately.
// The two help-seeking counts are summed.
func (m *contentMatcher) analyze(transcription string) ContentAnalysis {
	result := ContentAnalysis{Details: []PhraseMatch{}}
	if strings.TrimSpace(transcription) == "" {
		return result
	}
	text := strings.ToLower(transcription)

	for _, phrase := range m.phrases {
		positions := phrasePositions(text, phrase)
		if len(positions) == 0 {
			continue
		}
		result.PhraseMatches++
		result.Details = append(result.Details, PhraseMatch{Phrase: phrase, Type: MatchHelpSeeking, Positions: positions})
	}

	for _, re := range m.help {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			result.HelpPatternMatches++
			result.Details = append(result.Details, PhraseMatch{
				Phrase:    text[loc[0]:loc[1]],
				Type:      MatchHelpPattern,
				Positions: []int{utf8.RuneCountInString(text[:loc[0]])},
			})
		}
	}

	for _, re := range m.answer {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			result.AnswerReceivingPhrases++
			result.Details = append(result.Details, PhraseMatch{
				Phrase:    text[loc[0]:loc[1]],
				Type:      MatchAnswerReceiving,
				Positions: []int{utf8.RuneCountInString(text[:loc[0]])},
			})
		}
	}

	result.HelpSeekingPhrases = result.PhraseMatches + result.HelpPatternMatches
	result.QuestionReadingDetected = questionReading.MatchString(text)
	for _, indicator := range m.indicators {
		if strings.Contains(text, indicator) {
			result.ExternalDiscussion = true
			break
		}
	}
	return result
}

func phrasePositions(text, phrase string) []int {
	var positions []int
	offset := 0
	for {
		i := strings.Index(text[offset:], phrase)
		if i < 0 {
			return positions
		}
		at := offset + i
		positions = append(positions, utf8.RuneCountInString(text[:at]))
		offset = at + len(phrase)
	}
}
