package questions

import "github.com/vreid/quizduel/internal/pkg/event"

type Kind string

const (
	KindMultipleChoice Kind = "mcq"
	KindBoolean        Kind = "boolean"
	KindFillIn         Kind = "fill"
)

// Question is immutable once fetched. Answer never leaves the server until the
// player who sees it has answered.
type Question struct {
	Kind    Kind     `json:"type"`
	Prompt  string   `json:"question"`
	Options []string `json:"options"`
	Answer  string   `json:"answer"`
}

func (q Question) Public() event.PublicQuestion {
	options := q.Options
	if options == nil {
		options = []string{}
	}

	return event.PublicQuestion{
		Kind:    string(q.Kind),
		Prompt:  q.Prompt,
		Options: options,
	}
}

func (q Question) Revealed() event.RevealedQuestion {
	public := q.Public()

	return event.RevealedQuestion{
		Kind:    public.Kind,
		Prompt:  public.Prompt,
		Options: public.Options,
		Answer:  q.Answer,
	}
}

type openTDBResponse struct {
	ResponseCode int             `json:"response_code"`
	Results      []openTDBResult `json:"results"`
}

type openTDBResult struct {
	Type             string   `json:"type"`
	Difficulty       string   `json:"difficulty"`
	Category         string   `json:"category"`
	Question         string   `json:"question"`
	CorrectAnswer    string   `json:"correct_answer"`
	IncorrectAnswers []string `json:"incorrect_answers"`
}
