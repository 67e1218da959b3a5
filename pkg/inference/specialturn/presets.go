package specialturn

import (
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/pkg/errors"

	"github.com/go-go-golems/palaver/pkg/interaction"
)

// PromptData is the data available to preset prompt templates.
type PromptData struct {
	AssistantName string
	UserName      string
	Language      string
	Instructions  string
	MaxWords      int
	Now           time.Time
}

func DefaultPromptData() PromptData {
	return PromptData{
		AssistantName: "assistant",
		Language:      "English",
		MaxWords:      200,
		Now:           time.Now(),
	}
}

const greetingTemplate = `You are {{ .AssistantName }}.
{{- if .UserName }} You are talking to {{ .UserName }}.{{ end }}
Greet the user in {{ .Language | default "English" }} with a short, friendly message and offer your help.
It is {{ .Now | date "Monday" }}.
{{- with .Instructions }}
{{ . | trim }}{{ end }}`

const summaryTemplate = `Summarize the conversation so far in {{ .Language | default "English" }}, in at most {{ .MaxWords | default 200 }} words.
Keep names, decisions, open questions and any facts needed to continue the conversation.
Reply with the summary only.
{{- with .Instructions }}
{{ . | trim }}{{ end }}`

// RenderPrompt executes a text/template with the sprig function map.
func RenderPrompt(name, tmpl string, data PromptData) (string, error) {
	t, err := template.New(name).Funcs(sprig.TxtFuncMap()).Parse(tmpl)
	if err != nil {
		return "", errors.Wrapf(err, "could not parse %s prompt", name)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", errors.Wrapf(err, "could not render %s prompt", name)
	}
	return strings.TrimSpace(sb.String()), nil
}

// GreetingConfig runs on a fresh system prompt instead of the history and
// keeps only the greeting text.
func GreetingConfig(data PromptData) (Config, error) {
	prompt, err := RenderPrompt("greeting", greetingTemplate, data)
	if err != nil {
		return Config{}, err
	}
	return DefaultConfig().
		WithName("greeting").
		WithInteractions(interaction.NewSystemText(prompt)).
		WithStrategy(StrategyPersistResult), nil
}

// SummaryConfig asks for a summary of the history and replaces everything
// except system and context interactions with it.
func SummaryConfig(data PromptData) (Config, error) {
	prompt, err := RenderPrompt("summary", summaryTemplate, data)
	if err != nil {
		return Config{}, err
	}
	return DefaultConfig().
		WithName("summary").
		WithAppend(interaction.NewUserText(prompt)).
		WithToolFilter(&interaction.ToolFilter{Disabled: true}).
		WithStrategy(StrategyReplaceAbove).
		WithFilter(interaction.DefaultReplaceFilter()), nil
}
