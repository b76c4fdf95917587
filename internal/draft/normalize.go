// Package draft turns the loosely typed deliberation draft returned by a
// generative backend into a complete, schema-conformant record.
//
// Normalize is total: every missing, blank or mistyped field degrades to a
// fallback value and the output always has three rounds of three messages,
// three votes from the question type's family, a non-empty decision and a
// YYYY-MM-DD review date.
package draft

import (
	"regexp"
	"strings"
	"time"

	"council-agent/internal/domain"
)

const (
	// RoundCount is the fixed number of rounds in every deliberation.
	RoundCount = 3

	roundSpacing  = 3 * time.Second
	reviewHorizon = 7 * 24 * time.Hour
	dateLayout    = "2006-01-02"
)

// Option labels used when a choice draft leaves a label blank.
const (
	FallbackOptionA = "Option A"
	FallbackOptionB = "Option B"
)

var personaOffsets = map[domain.Persona]time.Duration{
	domain.PersonaLogic: 0,
	domain.PersonaHeart: time.Second,
	domain.PersonaFlash: 2 * time.Second,
}

// FallbackMessages replace blank persona statements, independent of round.
var FallbackMessages = map[domain.Persona]string{
	domain.PersonaLogic: "Lay out the facts and the options, then compare what each one offers.",
	domain.PersonaHeart: "Take a careful look at how you feel and how this affects the people around you.",
	domain.PersonaFlash: "If you are unsure, take one small step you can try right away.",
}

var reviewDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Result is a normalized draft.
type Result struct {
	Rounds     []domain.Round
	Resolution domain.Resolution
}

// source gives coercion rules access to both the draft root and its
// resolution object.
type source struct {
	root       map[string]any
	resolution map[string]any
	now        time.Time
}

// lookup prefers the draft root and falls back to the resolution object.
func (s source) lookup(key string) any {
	if v, ok := s.root[key]; ok && v != nil {
		return v
	}
	return s.resolution[key]
}

type fieldRule struct {
	field string
	apply func(s source, r *domain.Resolution)
}

// resolutionRules run in order; decision must come after questionType,
// options and votes.
var resolutionRules = []fieldRule{
	{"questionType", func(s source, r *domain.Resolution) {
		r.QuestionType = coerceQuestionType(s.lookup("questionType"))
	}},
	{"options", func(s source, r *domain.Resolution) {
		if r.QuestionType != domain.QuestionChoice {
			r.Options = nil
			return
		}
		opts := asObject(s.lookup("options"))
		r.Options = &domain.Options{
			A: nonBlank(opts["A"], FallbackOptionA),
			B: nonBlank(opts["B"], FallbackOptionB),
		}
	}},
	{"votes", func(s source, r *domain.Resolution) {
		votes := asObject(s.resolution["votes"])
		r.Votes = domain.Votes{
			Logic: sanitizeVote(votes[string(domain.PersonaLogic)], r.QuestionType),
			Heart: sanitizeVote(votes[string(domain.PersonaHeart)], r.QuestionType),
			Flash: sanitizeVote(votes[string(domain.PersonaFlash)], r.QuestionType),
		}
	}},
	{"reasoning", func(s source, r *domain.Resolution) {
		r.Reasoning = stringList(s.resolution["reasoning"])
	}},
	{"nextSteps", func(s source, r *domain.Resolution) {
		r.NextSteps = stringList(s.resolution["nextSteps"])
	}},
	{"risks", func(s source, r *domain.Resolution) {
		r.Risks = stringList(s.resolution["risks"])
	}},
	{"reviewDate", func(s source, r *domain.Resolution) {
		if d, ok := s.resolution["reviewDate"].(string); ok && reviewDatePattern.MatchString(d) {
			r.ReviewDate = d
			return
		}
		r.ReviewDate = s.now.UTC().Add(reviewHorizon).Format(dateLayout)
	}},
	{"decision", func(s source, r *domain.Resolution) {
		if d, ok := s.resolution["decision"].(string); ok && strings.TrimSpace(d) != "" {
			r.Decision = d
			return
		}
		r.Decision = DefaultDecision(r.QuestionType, r.Votes, r.Options)
	}},
}

// Normalize coerces raw into a complete Result. Message timestamps are
// derived from now so that every message in the 3x3 grid is strictly later
// than the one before it.
func Normalize(raw map[string]any, now time.Time) Result {
	s := source{
		root:       raw,
		resolution: asObject(raw["resolution"]),
		now:        now,
	}
	var res domain.Resolution
	for _, rule := range resolutionRules {
		rule.apply(s, &res)
	}
	return Result{
		Rounds:     buildRounds(raw["rounds"], now),
		Resolution: res,
	}
}

func buildRounds(v any, now time.Time) []domain.Round {
	upstream, _ := v.([]any)
	base := now.UTC()

	rounds := make([]domain.Round, RoundCount)
	for i := range rounds {
		var src map[string]any
		if i < len(upstream) {
			src = asObject(upstream[i])
		}
		start := base.Add(time.Duration(i) * roundSpacing)
		msgs := make([]domain.Message, 0, len(domain.Personas))
		for _, p := range domain.Personas {
			msgs = append(msgs, domain.Message{
				AI:        p,
				Message:   nonBlank(src[string(p)], FallbackMessages[p]),
				Timestamp: start.Add(personaOffsets[p]),
			})
		}
		rounds[i] = domain.Round{RoundNumber: i + 1, Messages: msgs}
	}
	return rounds
}

func asObject(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func nonBlank(v any, fallback string) string {
	if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}

// stringList keeps the string elements of an array and drops the rest.
func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
