package cmds

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/palaver/pkg/inference/tools"
)

type timeInput struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name, defaults to UTC"`
}

type timeOutput struct {
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
}

func currentTime(in timeInput) (timeOutput, error) {
	tz := in.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return timeOutput{}, errors.Wrapf(err, "unknown timezone %q", tz)
	}
	return timeOutput{Time: time.Now().In(loc).Format(time.RFC3339), Timezone: tz}, nil
}

type countInput struct {
	Text string `json:"text" jsonschema:"required,description=Text to count words in"`
}

type countOutput struct {
	Words int `json:"words"`
	Runes int `json:"runes"`
}

func countWords(_ context.Context, in countInput) (countOutput, error) {
	return countOutput{Words: len(strings.Fields(in.Text)), Runes: len([]rune(in.Text))}, nil
}

type modelOutput struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func activeModel(ctx context.Context) (modelOutput, error) {
	vctx, ok := tools.ValidationContextFrom(ctx)
	if !ok {
		return modelOutput{}, errors.New("no provider attached to the call")
	}
	return modelOutput{Provider: vctx.Provider, Model: vctx.Model}, nil
}

// builtinTools are offered to every CLI session.
type builtinTools struct{}

var _ tools.ToolProvider = builtinTools{}

func (builtinTools) Name() string { return "builtin" }

func (builtinTools) GetTools(context.Context) ([]tools.Tool, error) {
	clock, err := tools.NewToolFromFunc("current_time", "Returns the current time in a timezone", currentTime)
	if err != nil {
		return nil, err
	}
	words, err := tools.NewToolFromFunc("count_words", "Counts the words and characters of a text", countWords)
	if err != nil {
		return nil, err
	}
	model, err := tools.NewToolFromFunc("active_model", "Names the provider and model answering this conversation", activeModel)
	if err != nil {
		return nil, err
	}
	clock.Category = "builtin"
	words.Category = "builtin"
	model.Category = "session"
	return []tools.Tool{*clock, *words, *model}, nil
}
