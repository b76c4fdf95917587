package draft

import (
	"fmt"

	"council-agent/internal/domain"
)

// Decisions synthesized when the upstream draft carries none.
const (
	DecisionProceed            = "Recommend proceeding."
	DecisionProceedConditional = "Recommend proceeding conditionally."
	DecisionNotRecommended     = "Do not recommend at this time."
	DecisionCircumstantial     = "Recommend deciding based on circumstances."
	DecisionStronglyRecommend  = "Strongly recommend the proposal."
	DecisionRecommend          = "Recommend proceeding with the proposal."
)

// DefaultDecision derives a recommendation from the tallied votes.
func DefaultDecision(qt domain.QuestionType, votes domain.Votes, opts *domain.Options) string {
	switch qt {
	case domain.QuestionYesNo:
		switch approvals := count(votes, domain.VoteApprove); {
		case approvals >= 2:
			return DecisionProceed
		case approvals == 1:
			return DecisionProceedConditional
		default:
			return DecisionNotRecommended
		}
	case domain.QuestionChoice:
		labels := domain.Options{A: FallbackOptionA, B: FallbackOptionB}
		if opts != nil {
			labels = *opts
		}
		a, b := count(votes, domain.VoteA), count(votes, domain.VoteB)
		switch {
		case a > b:
			return recommendOption(labels.A)
		case b > a:
			return recommendOption(labels.B)
		default:
			return DecisionCircumstantial
		}
	default:
		if count(votes, domain.VoteStronglyRecommend) >= 2 {
			return DecisionStronglyRecommend
		}
		return DecisionRecommend
	}
}

func recommendOption(label string) string {
	return fmt.Sprintf("Recommend %s.", label)
}

func count(votes domain.Votes, want string) int {
	n := 0
	for _, v := range votes.Values() {
		if v == want {
			n++
		}
	}
	return n
}
