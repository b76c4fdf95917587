package draft

import "council-agent/internal/domain"

var voteFamilies = map[domain.QuestionType][]string{
	domain.QuestionYesNo:  {domain.VoteApprove, domain.VoteReject, domain.VotePending},
	domain.QuestionChoice: {domain.VoteA, domain.VoteB, domain.VoteBoth, domain.VoteDepends},
	domain.QuestionOpen:   {domain.VoteStronglyRecommend, domain.VoteRecommend, domain.VoteConditional},
}

// DefaultVote is the vote substituted when a persona's vote does not belong
// to the family of the question type.
func DefaultVote(qt domain.QuestionType) string {
	switch qt {
	case domain.QuestionYesNo:
		return domain.VotePending
	case domain.QuestionChoice:
		return domain.VoteDepends
	default:
		return domain.VoteRecommend
	}
}

// ValidVote reports whether vote belongs to the family governed by qt.
// Membership in another type's family is not enough.
func ValidVote(qt domain.QuestionType, vote string) bool {
	for _, v := range voteFamilies[qt] {
		if v == vote {
			return true
		}
	}
	return false
}

func sanitizeVote(v any, qt domain.QuestionType) string {
	if s, ok := v.(string); ok && ValidVote(qt, s) {
		return s
	}
	return DefaultVote(qt)
}

func coerceQuestionType(v any) domain.QuestionType {
	s, _ := v.(string)
	switch qt := domain.QuestionType(s); qt {
	case domain.QuestionYesNo, domain.QuestionChoice, domain.QuestionOpen:
		return qt
	}
	return domain.QuestionOpen
}
