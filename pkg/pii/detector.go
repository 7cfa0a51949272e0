package pii

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
)

// Type names a class of personal data
type Type string

const (
	TypeSSN        Type = "ssn"
	TypeCreditCard Type = "credit_card"
	TypePhone      Type = "phone"
	TypeEmail      Type = "email"
)

// Config holds redaction settings
type Config struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	EnabledTypes   []Type `yaml:"enabled_types" json:"enabled_types"`
	RedactionChar  string `yaml:"redaction_char" json:"redaction_char"`
	PreserveFormat bool   `yaml:"preserve_format" json:"preserve_format"`
}

// DefaultConfig redacts every known type, keeping the last four digits
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		EnabledTypes:   []Type{TypeSSN, TypeCreditCard, TypePhone, TypeEmail},
		RedactionChar:  "*",
		PreserveFormat: true,
	}
}

// Match is one redacted span
type Match struct {
	Type     Type   `json:"type"`
	Redacted string `json:"redacted"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

// Result is the outcome of one DetectAndRedact call
type Result struct {
	RedactedText string  `json:"redacted_text"`
	Matches      []Match `json:"matches"`
	HasPII       bool    `json:"has_pii"`
}

type rule struct {
	kind   Type
	re     *regexp.Regexp
	valid  func(string) bool
	redact func(string) string
}

// Detector redacts personal data from free text such as proctor notes and
// flag evidence before it is stored or forwarded
type Detector struct {
	logger *logrus.Entry
	config Config
	rules  []rule
}

var (
	// 123-45-6789, 123 45 6789, 123456789
	ssnPattern = regexp.MustCompile(`\b\d{3}[-\s]?\d{2}[-\s]?\d{4}\b`)
	// Visa, MasterCard, AmEx, Discover
	cardPattern  = regexp.MustCompile(`\b(?:4\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}|5\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}|3\d{3}[-\s]?\d{6}[-\s]?\d{5}|6\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4})\b`)
	phonePattern = regexp.MustCompile(`(?:\+?1[-.\s]?)?(?:\(\d{3}\)|\b\d{3})[-.\s]?\d{3}[-.\s]?\d{4}\b`)
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
)

// NewDetector builds a detector for the enabled types. Cards are matched
// before SSNs and phones so a card number is never half-redacted as one.
func NewDetector(config Config, logger *logrus.Logger) *Detector {
	if config.RedactionChar == "" {
		config.RedactionChar = "*"
	}
	if len(config.EnabledTypes) == 0 {
		config.EnabledTypes = DefaultConfig().EnabledTypes
	}
	d := &Detector{
		logger: logger.WithField("component", "pii"),
		config: config,
	}

	enabled := make(map[Type]bool, len(config.EnabledTypes))
	for _, t := range config.EnabledTypes {
		enabled[t] = true
	}
	all := []rule{
		{TypeCreditCard, cardPattern, isValidCreditCard, func(s string) string { return d.maskDigits(s, 4, "[CARD-REDACTED]") }},
		{TypeSSN, ssnPattern, isValidSSN, func(s string) string { return d.maskDigits(s, 4, "[SSN-REDACTED]") }},
		{TypePhone, phonePattern, nil, func(s string) string { return d.maskDigits(s, 4, "[PHONE-REDACTED]") }},
		{TypeEmail, emailPattern, nil, d.redactEmail},
	}
	for _, r := range all {
		if enabled[r.kind] {
			d.rules = append(d.rules, r)
		}
	}
	return d
}

// Enabled reports whether redaction is switched on
func (d *Detector) Enabled() bool {
	return d != nil && d.config.Enabled
}

// DetectAndRedact returns text with every valid match replaced. Match
// offsets refer to the text as it was when that rule ran.
func (d *Detector) DetectAndRedact(text string) Result {
	result := Result{RedactedText: text}
	if !d.Enabled() || text == "" {
		return result
	}

	for _, r := range d.rules {
		current := result.RedactedText
		var b strings.Builder
		last := 0
		for _, loc := range r.re.FindAllStringIndex(current, -1) {
			original := current[loc[0]:loc[1]]
			if r.valid != nil && !r.valid(original) {
				continue
			}
			redacted := r.redact(original)
			b.WriteString(current[last:loc[0]])
			b.WriteString(redacted)
			last = loc[1]
			result.Matches = append(result.Matches, Match{Type: r.kind, Redacted: redacted, Start: loc[0], End: loc[1]})
		}
		if last > 0 {
			b.WriteString(current[last:])
			result.RedactedText = b.String()
		}
	}

	result.HasPII = len(result.Matches) > 0
	if result.HasPII {
		d.logger.WithFields(logrus.Fields{
			"pii_matches": len(result.Matches),
			"text_length": len(text),
		}).Debug("PII redacted")
	}
	return result
}

// Redact returns text with personal data masked
func (d *Detector) Redact(text string) string {
	return d.DetectAndRedact(text).RedactedText
}

// RedactValue masks strings anywhere inside v, which is a decoded JSON
// value. Maps and slices are copied, never modified in place.
func (d *Detector) RedactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return d.Redact(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = d.RedactValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = d.RedactValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = d.Redact(item)
		}
		return out
	default:
		return v
	}
}

// isValidSSN rejects numbers the SSA never issues
func isValidSSN(ssn string) bool {
	digits := onlyDigits(ssn)
	if len(digits) != 9 {
		return false
	}
	if digits == "123456789" || digits == "987654321" || strings.Count(digits, digits[:1]) == 9 {
		return false
	}
	area := digits[:3]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return digits[3:5] != "00" && digits[5:] != "0000"
}

// isValidCreditCard applies the Luhn check
func isValidCreditCard(number string) bool {
	digits := onlyDigits(number)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	if strings.Count(digits, digits[:1]) == len(digits) {
		return false
	}

	sum := 0
	alternate := false
	for i := len(digits) - 1; i >= 0; i-- {
		digit := int(digits[i] - '0')
		if alternate {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		alternate = !alternate
	}
	return sum%10 == 0
}

// maskDigits keeps separators and the last keep digits, or returns label
// when format preservation is off
func (d *Detector) maskDigits(s string, keep int, label string) string {
	if !d.config.PreserveFormat {
		return label
	}
	total := 0
	for _, c := range s {
		if unicode.IsDigit(c) {
			total++
		}
	}
	var b strings.Builder
	seen := 0
	for _, c := range s {
		if unicode.IsDigit(c) {
			seen++
			if seen <= total-keep {
				b.WriteString(d.config.RedactionChar)
				continue
			}
		}
		b.WriteRune(c)
	}
	return b.String()
}

// redactEmail keeps the domain and the first and last local characters
func (d *Detector) redactEmail(email string) string {
	if !d.config.PreserveFormat {
		return "[EMAIL-REDACTED]"
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return "[EMAIL-REDACTED]"
	}
	if len(local) <= 2 {
		return strings.Repeat(d.config.RedactionChar, len(local)) + "@" + domain
	}
	return local[:1] + strings.Repeat(d.config.RedactionChar, len(local)-2) + local[len(local)-1:] + "@" + domain
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}
