package questions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/vreid/quizduel/internal/pkg/common"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultOpenTDBURL = "https://opentdb.com/api.php"
	DefaultCategory   = 18

	multipleFetched = 8
	booleanFetched  = 4

	multiplePicked = 6
	booleanPicked  = 2
	fillPicked     = 2

	// SetSize is the number of questions in every round.
	SetSize = multiplePicked + booleanPicked + fillPicked
)

var (
	ErrUpstreamStatus   = errors.New("unexpected upstream status")
	ErrUpstreamResponse = errors.New("upstream returned no questions")
	ErrTooFewQuestions  = errors.New("too few questions")
)

// Provider returns a fresh, fixed-size mixed question set for one match.
type Provider interface {
	Fetch(ctx context.Context) ([]Question, error)
}

type OpenTDBProvider struct {
	client   *fasthttp.Client
	baseURL  string
	category int
	timeout  time.Duration
	bank     Bank
}

func NewOpenTDBProvider(baseURL string, category int, bank Bank) *OpenTDBProvider {
	if baseURL == "" {
		baseURL = DefaultOpenTDBURL
	}

	if category == 0 {
		category = DefaultCategory
	}

	//nolint:exhaustruct
	client := &fasthttp.Client{
		Name:                "quizduel",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		MaxIdleConnDuration: time.Minute,
	}

	return &OpenTDBProvider{
		client:   client,
		baseURL:  baseURL,
		category: category,
		timeout:  5 * time.Second, //nolint:mnd
		bank:     bank,
	}
}

// Fetch pulls multiple-choice and boolean questions from OpenTDB, adds
// fill-in-the-blank questions from the bank, and returns a shuffled set of
// SetSize. Any shortfall is reported as common.ErrResourceUnavailable.
func (p *OpenTDBProvider) Fetch(ctx context.Context) ([]Question, error) {
	var (
		multiple []Question
		boolean  []Question
		fill     []Question
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		multiple, err = p.fetchTrivia(gctx, multipleFetched, "multiple")

		return err
	})

	g.Go(func() error {
		var err error
		boolean, err = p.fetchTrivia(gctx, booleanFetched, "boolean")

		return err
	})

	g.Go(func() error {
		var err error
		fill, err = p.bank.Random(gctx, fillPicked)

		return err
	})

	err := g.Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrResourceUnavailable, err)
	}

	if len(multiple) < multiplePicked || len(boolean) < booleanPicked || len(fill) < fillPicked {
		return nil, fmt.Errorf("%w: %w: %d multiple, %d boolean, %d fill",
			common.ErrResourceUnavailable, ErrTooFewQuestions, len(multiple), len(boolean), len(fill))
	}

	multiple, err = Shuffle(multiple)
	if err != nil {
		return nil, err
	}

	boolean, err = Shuffle(boolean)
	if err != nil {
		return nil, err
	}

	set := make([]Question, 0, SetSize)
	set = append(set, multiple[:multiplePicked]...)
	set = append(set, boolean[:booleanPicked]...)
	set = append(set, fill[:fillPicked]...)

	return Shuffle(set)
}

func (p *OpenTDBProvider) fetchTrivia(ctx context.Context, amount int, kind string) ([]Question, error) {
	err := ctx.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s questions: %w", kind, err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.baseURL)
	req.Header.SetMethod(fasthttp.MethodGet)

	args := req.URI().QueryArgs()
	args.SetUint("amount", amount)
	args.SetUint("category", p.category)
	args.Set("type", kind)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(p.timeout)
	}

	err = p.client.DoDeadline(req, resp, deadline)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s questions: %w", kind, err)
	}

	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode())
	}

	var body openTDBResponse

	err = json.Unmarshal(resp.Body(), &body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s questions: %w", kind, err)
	}

	if body.ResponseCode != 0 {
		return nil, fmt.Errorf("%w: response code %d", ErrUpstreamResponse, body.ResponseCode)
	}

	result := make([]Question, 0, len(body.Results))

	for _, r := range body.Results {
		q, err := convert(r)
		if err != nil {
			return nil, err
		}

		result = append(result, q)
	}

	return result, nil
}

func convert(r openTDBResult) (Question, error) {
	if r.Type == "boolean" {
		answer := "False"
		if r.CorrectAnswer == "True" {
			answer = "True"
		}

		return Question{
			Kind:    KindBoolean,
			Prompt:  html.UnescapeString(r.Question),
			Options: []string{"True", "False"},
			Answer:  answer,
		}, nil
	}

	options := make([]string, 0, len(r.IncorrectAnswers)+1)
	options = append(options, html.UnescapeString(r.CorrectAnswer))

	for _, incorrect := range r.IncorrectAnswers {
		options = append(options, html.UnescapeString(incorrect))
	}

	options, err := Shuffle(options)
	if err != nil {
		return Question{}, err
	}

	return Question{
		Kind:    KindMultipleChoice,
		Prompt:  html.UnescapeString(r.Question),
		Options: options,
		Answer:  html.UnescapeString(r.CorrectAnswer),
	}, nil
}
