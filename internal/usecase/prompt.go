package usecase

import (
	"strings"

	"council-agent/internal/domain"
)

func buildPromptMessages(consultation string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: buildCouncilPrompt()},
		{Role: domain.RoleUser, Content: "Consultation: " + strings.TrimSpace(consultation)},
	}
}

func buildCouncilPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You are a council of three advisors deliberating on the user's consultation.",
		"",
		"Personas:",
		"- logic: analyses facts, costs and trade-offs.",
		"- heart: weighs feelings, relationships and values.",
		"- flash: favours intuition and quick action.",
		"",
		"Task:",
		"Hold exactly 3 rounds. In every round each persona speaks once, in the order logic, heart, flash, using 2 to 3 sentences.",
		"Classify the consultation, then give a final resolution.",
		"",
		"Question types and votes:",
		classificationRules(),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func classificationRules() string {
	return strings.Join([]string{
		"1) yesno: the user asks whether to do something. Votes: approve, reject or pending.",
		"2) choice: the user picks between two options. Name them in options.A and options.B. Votes: A, B, both or depends.",
		"3) open: anything else. Votes: strongly_recommend, recommend or conditional.",
	}, "\n")
}

func outputContract() string {
	return "Return one JSON object only, with this shape: " +
		`{"questionType":"yesno|choice|open",` +
		`"options":{"A":"...","B":"..."},` +
		`"rounds":[{"logic":"...","heart":"...","flash":"..."},{"logic":"...","heart":"...","flash":"..."},{"logic":"...","heart":"...","flash":"..."}],` +
		`"resolution":{"decision":"...","votes":{"logic":"...","heart":"...","flash":"..."},` +
		`"reasoning":["..."],"nextSteps":["..."],"reviewDate":"YYYY-MM-DD","risks":["..."]}}. ` +
		"Omit options unless questionType is choice."
}
