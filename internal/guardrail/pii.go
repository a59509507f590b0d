package guardrail

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	emailRe      = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phoneRe      = regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)
	ssnRe        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	creditCardRe = regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`)
	tokenRe      = regexp.MustCompile(`\[[A-Z_]+_\d+\]`)
)

// Match is one detected PII value.
type Match struct {
	Type  string
	Value string
	Start int
}

// PIIDetector finds and tokenizes personally identifying information.
type PIIDetector struct {
	mu      sync.Mutex
	tokens  map[string]string // token -> original value
	counter int
}

// NewPIIDetector creates an empty detector.
func NewPIIDetector() *PIIDetector {
	return &PIIDetector{tokens: make(map[string]string)}
}

// Detect returns all PII matches in text, ordered by position.
func (d *PIIDetector) Detect(text string) []Match {
	var matches []Match
	collect := func(re *regexp.Regexp, kind string) {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			matches = append(matches, Match{Type: kind, Value: text[loc[0]:loc[1]], Start: loc[0]})
		}
	}
	// Specific patterns first so ties at the same offset resolve to them.
	collect(ssnRe, "ssn")
	collect(creditCardRe, "credit_card")
	collect(emailRe, "email")
	collect(phoneRe, "phone")

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return dedupeOverlaps(matches)
}

// dedupeOverlaps drops matches contained in an earlier, wider match.
func dedupeOverlaps(matches []Match) []Match {
	out := matches[:0]
	end := -1
	for _, m := range matches {
		if m.Start < end {
			continue
		}
		out = append(out, m)
		end = m.Start + len(m.Value)
	}
	return out
}

// Tokenize replaces each detected PII value with an opaque token.
// Replacement runs back to front so earlier offsets stay valid.
func (d *PIIDetector) Tokenize(text string) string {
	matches := d.Detect(text)
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		token := d.newToken(m.Type, m.Value)
		text = text[:m.Start] + token + text[m.Start+len(m.Value):]
	}
	return text
}

// Untokenize restores original values for every known token in text.
func (d *PIIDetector) Untokenize(text string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, token := range tokenRe.FindAllString(text, -1) {
		if original, ok := d.tokens[token]; ok {
			text = strings.ReplaceAll(text, token, original)
		}
	}
	return text
}

func (d *PIIDetector) newToken(kind, value string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	token := fmt.Sprintf("[%s_%d]", strings.ToUpper(kind), d.counter)
	d.counter++
	d.tokens[token] = value
	return token
}
