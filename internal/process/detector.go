package process

import (
	"regexp"
	"strings"

	"github.com/joescharf/overseer/internal/pubsub"
)

// Signal kinds published by the detector.
const (
	SignalCompletion pubsub.EventType = "completion"
	SignalQuestion   pubsub.EventType = "question"
	SignalError      pubsub.EventType = "error"
)

// Detector classifies worker output lines into completion, question and error
// signals. The first matching rule wins; unmatched lines produce no signal.
type Detector struct {
	rules []rule
}

type rule struct {
	kind    pubsub.EventType
	pattern *regexp.Regexp
}

// DefaultDetector recognizes the phrasing coding agents commonly use when they
// finish, stop to ask something, or hit a failure.
func DefaultDetector() *Detector {
	return NewDetector(map[pubsub.EventType][]string{
		SignalError: {
			`^(?i)(error|fatal|panic)(\[[^\]]*\])?:`,
			`(?i)\b(command|build|tests?) failed\b`,
		},
		SignalQuestion: {
			`(?i)\b(should i|would you like|do you want|shall i|which (one|option)|can you confirm)\b.*\?\s*$`,
			`(?i)\bwaiting for (your )?(input|confirmation|approval)\b`,
		},
		SignalCompletion: {
			`(?i)\b(task (is )?(complete|completed|done)|all tests pass(ed)?|work is (complete|finished)|ready (for|to) (review|merge))\b`,
		},
	})
}

// NewDetector compiles the given patterns. Errors are checked before questions
// and questions before completions.
func NewDetector(patterns map[pubsub.EventType][]string) *Detector {
	d := &Detector{}
	for _, kind := range []pubsub.EventType{SignalError, SignalQuestion, SignalCompletion} {
		for _, p := range patterns[kind] {
			d.rules = append(d.rules, rule{kind: kind, pattern: regexp.MustCompile(p)})
		}
	}
	return d
}

// Classify returns the signal kind for a line and whether it matched.
func (d *Detector) Classify(line string) (pubsub.EventType, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	for _, r := range d.rules {
		if r.pattern.MatchString(line) {
			return r.kind, true
		}
	}
	return "", false
}
