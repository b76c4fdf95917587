package draft

import (
	"testing"

	"github.com/stretchr/testify/require"

	"council-agent/internal/domain"
)

func TestDecode(t *testing.T) {
	out, ok := Decode(`{"questionType":"yesno"}`)
	require.True(t, ok)
	require.Equal(t, "yesno", out["questionType"])

	out, ok = Decode("```json\n{\"questionType\":\"choice\"}\n```")
	require.True(t, ok)
	require.Equal(t, "choice", out["questionType"])

	for _, bad := range []string{"", "not-json", "[1,2]", "null", `"text"`} {
		out, ok = Decode(bad)
		require.False(t, ok, bad)
		require.Equal(t, Fallback(), out)
	}
}

func TestFallback_NormalizesToHold(t *testing.T) {
	r := Normalize(Fallback(), testNow)
	requireWellFormed(t, r)
	require.Equal(t, domain.QuestionYesNo, r.Resolution.QuestionType)
	require.Equal(t, FallbackDecision, r.Resolution.Decision)
	require.Equal(t, domain.Votes{Logic: "pending", Heart: "pending", Flash: "pending"}, r.Resolution.Votes)
	require.Len(t, r.Resolution.Reasoning, 1)
	for _, round := range r.Rounds {
		for _, msg := range round.Messages {
			require.NotEqual(t, FallbackMessages[msg.AI], msg.Message)
		}
	}
}
