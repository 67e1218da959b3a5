package helpers

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"

	"github.com/go-go-golems/palaver/pkg/interaction"
)

// DefaultEncoding is used for models the tokenizer does not know.
const DefaultEncoding = tokenizer.Cl100kBase

var codecs sync.Map

// Codec returns the tokenizer for model, falling back to DefaultEncoding.
// Codecs are cached per model.
func Codec(model string) (tokenizer.Codec, error) {
	if c, ok := codecs.Load(model); ok {
		return c.(tokenizer.Codec), nil
	}
	var (
		c   tokenizer.Codec
		err error
	)
	if model != "" {
		c, err = tokenizer.ForModel(tokenizer.Model(model))
	}
	if model == "" || err != nil {
		c, err = tokenizer.Get(DefaultEncoding)
		if err != nil {
			return nil, errors.Wrap(err, "could not load default tokenizer")
		}
	}
	codecs.Store(model, c)
	return c, nil
}

// EstimateTokens counts the tokens of text as model would.
func EstimateTokens(model, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	c, err := Codec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0, errors.Wrap(err, "could not encode text")
	}
	return len(ids), nil
}

// EstimateMetrics builds estimated metrics for a call whose provider did not
// report usage. The input side counts every interaction the provider saw.
func EstimateMetrics(model string, input []interaction.Interaction, output []interaction.Interaction) interaction.Metrics {
	in := estimateAll(model, input)
	out := estimateAll(model, output)
	return interaction.Metrics{
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
		Estimated:    true,
	}
}

func estimateAll(model string, items []interaction.Interaction) int {
	var sb strings.Builder
	for _, it := range items {
		sb.WriteString(interaction.Describe(it))
		sb.WriteString("\n")
	}
	n, err := EstimateTokens(model, sb.String())
	if err != nil {
		return 0
	}
	return n
}
