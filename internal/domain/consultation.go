package domain

import "time"

// Persona identifies one of the three deliberating viewpoints.
type Persona string

const (
	PersonaLogic Persona = "logic"
	PersonaHeart Persona = "heart"
	PersonaFlash Persona = "flash"
)

// Personas lists every persona in speaking order.
var Personas = [...]Persona{PersonaLogic, PersonaHeart, PersonaFlash}

// QuestionType classifies a consultation and selects the vote family.
type QuestionType string

const (
	QuestionYesNo  QuestionType = "yesno"
	QuestionChoice QuestionType = "choice"
	QuestionOpen   QuestionType = "open"
)

// Vote values, grouped by the question type that admits them.
const (
	VoteApprove = "approve"
	VoteReject  = "reject"
	VotePending = "pending"

	VoteA       = "A"
	VoteB       = "B"
	VoteBoth    = "both"
	VoteDepends = "depends"

	VoteStronglyRecommend = "strongly_recommend"
	VoteRecommend         = "recommend"
	VoteConditional       = "conditional"
)

// Message is one persona's statement inside a round.
type Message struct {
	AI        Persona   `json:"ai"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Round holds exactly one message per persona, in persona order.
type Round struct {
	RoundNumber int       `json:"roundNumber"`
	Messages    []Message `json:"messages"`
}

// Options are the two labels of a choice question.
type Options struct {
	A string `json:"A"`
	B string `json:"B"`
}

// Votes carries one vote per persona.
type Votes struct {
	Logic string `json:"logic"`
	Heart string `json:"heart"`
	Flash string `json:"flash"`
}

// Values returns the votes in persona order.
func (v Votes) Values() []string {
	return []string{v.Logic, v.Heart, v.Flash}
}

// Resolution is the structured verdict of a deliberation.
type Resolution struct {
	QuestionType QuestionType `json:"questionType"`
	Options      *Options     `json:"options,omitempty"`
	Decision     string       `json:"decision"`
	Votes        Votes        `json:"votes"`
	Reasoning    []string     `json:"reasoning"`
	NextSteps    []string     `json:"nextSteps"`
	ReviewDate   string       `json:"reviewDate"`
	Risks        []string     `json:"risks"`
}

// Consultation is the persisted record of one deliberation.
type Consultation struct {
	ID         string     `json:"consultationId"`
	Question   string     `json:"question"`
	Rounds     []Round    `json:"rounds"`
	Resolution Resolution `json:"resolution"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// DailyUsage is the quota record for one user and local day.
type DailyUsage struct {
	UserID    string
	DateKey   string
	Count     int
	UpdatedAt time.Time
}
