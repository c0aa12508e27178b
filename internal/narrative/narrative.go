// Package narrative writes a one-paragraph summary of the selected week.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	SourceTemplate = "template"
	SourceOpenAI   = "openai"
)

const systemPrompt = "You rewrite weekly COVID-19 case summaries for a public dashboard. " +
	"Write one short plain-language paragraph. Use only the figures given and do not speculate about causes."

// Input describes one province at one week.
type Input struct {
	Province       string
	Week           string
	WeeklyCases    int
	TotalCases     int
	HasPrevious    bool
	PreviousWeekly int
}

type Summary struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

var printer = message.NewPrinter(language.English)

// Template renders the deterministic summary.
func Template(in Input) string {
	var b strings.Builder
	printer.Fprintf(&b, "%s reported %d new cases in the week of %s", in.Province, in.WeeklyCases, in.Week)

	switch {
	case !in.HasPrevious:
		b.WriteString(", the first week on record")
	case in.WeeklyCases == in.PreviousWeekly:
		b.WriteString(", unchanged from the previous week")
	case in.PreviousWeekly == 0:
		b.WriteString(", up from none the previous week")
	default:
		change := float64(in.WeeklyCases-in.PreviousWeekly) / float64(in.PreviousWeekly) * 100
		dir := "up"
		if change < 0 {
			dir = "down"
		}
		printer.Fprintf(&b, ", %s %.0f%% from the previous week (%d)", dir, math.Abs(change), in.PreviousWeekly)
	}

	printer.Fprintf(&b, ". Cumulative cases: %d.", in.TotalCases)
	return b.String()
}

// Generator produces summaries, optionally rewritten by a chat model.
type Generator struct {
	client *openai.Client
	model  string
	log    *zap.Logger

	mu    sync.Mutex
	cache map[Input]Summary
}

// NewGenerator returns a template-only generator when apiKey is empty.
func NewGenerator(apiKey, baseURL string, log *zap.Logger) *Generator {
	g := &Generator{
		model: openai.ChatModelGPT4oMini,
		log:   log.Named("narrative"),
		cache: make(map[Input]Summary),
	}
	if apiKey == "" {
		return g
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	g.client = &client
	return g
}

func (g *Generator) Enabled() bool {
	return g.client != nil
}

// Summarize never fails: a model error falls back to the template.
func (g *Generator) Summarize(ctx context.Context, in Input) Summary {
	text := Template(in)
	if g.client == nil {
		return Summary{Text: text, Source: SourceTemplate}
	}

	g.mu.Lock()
	cached, ok := g.cache[in]
	g.mu.Unlock()
	if ok {
		return cached
	}

	rewritten, err := g.rewrite(ctx, text)
	if err != nil {
		g.log.Warn("rewrite summary, using template", zap.String("province", in.Province), zap.Error(err))
		return Summary{Text: text, Source: SourceTemplate}
	}

	s := Summary{Text: rewritten, Source: SourceOpenAI}
	g.mu.Lock()
	g.cache[in] = s
	g.mu.Unlock()
	return s
}

func (g *Generator) rewrite(ctx context.Context, text string) (string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(text),
		},
		MaxCompletionTokens: openai.Int(200),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices returned")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", errors.New("empty completion")
	}
	return out, nil
}
