package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

const maxTitleLen = 80

const titlePrompt = `Generate a short title summarizing the user's message below.
Rules: at most 80 characters, no quotes, no colons, plain text only.

Message:
%s`

// TitleGenerator computes a conversation title from the first user message.
type TitleGenerator struct {
	llm       llms.Model
	modelName string
}

// NewTitleGenerator creates a title generator using the given model.
func NewTitleGenerator(llm llms.Model, modelName string) *TitleGenerator {
	return &TitleGenerator{llm: llm, modelName: modelName}
}

// Generate produces a title for the message text.
func (g *TitleGenerator) Generate(ctx context.Context, message string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, g.llm,
		fmt.Sprintf(titlePrompt, message),
		llms.WithModel(g.modelName),
		llms.WithMaxTokens(64),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate title: %w", err)
	}

	title := strings.TrimSpace(out)
	title = strings.Trim(title, `"'`)
	title = strings.ReplaceAll(title, "\n", " ")
	if runes := []rune(title); len(runes) > maxTitleLen {
		title = string(runes[:maxTitleLen])
	}
	if title == "" {
		return "", fmt.Errorf("model returned an empty title")
	}

	return title, nil
}
