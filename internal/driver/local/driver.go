// Package local runs a single-turn model generation in-process using
// the genai SDK. It is the route taken when a task names a bare model
// and no agent.
package local

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/flitsinc/agent-relay/internal/content"
	"github.com/flitsinc/agent-relay/internal/driver"
	"github.com/flitsinc/agent-relay/internal/run"
)

// Generator is the slice of the genai surface the driver needs;
// genaiGenerator backs it with a real client.
type Generator interface {
	Stream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// Config carries everything a local run needs, passed explicitly so no
// process-global state is touched.
type Config struct {
	APIKey       string
	DefaultModel string
}

type Driver struct {
	Generator Generator
	Config    Config
	Log       *slog.Logger
}

func New(ctx context.Context, cfg Config, log *slog.Logger) (*Driver, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Driver{Generator: &genaiGenerator{client: client}, Config: cfg, Log: log}, nil
}

func (d *Driver) Execute(ctx context.Context, req driver.Request, sink driver.Sink) (driver.Result, error) {
	model := req.Participant.ModelName
	if model == "" {
		model = req.Participant.ID
	}
	if model == "" {
		model = d.Config.DefaultModel
	}
	if model == "" {
		return driver.Result{Errors: []string{"no model configured for local run"}}, nil
	}

	contents := buildContents(req.Prompt)

	var text strings.Builder
	var errs []string
	for resp, err := range d.Generator.Stream(ctx, model, contents, nil) {
		if err != nil {
			// A failed local run reduces to an error entry; it never
			// bubbles out of the driver.
			errs = append(errs, fmt.Sprintf("local model run failed: %v", err))
			break
		}
		chunk := responseText(resp)
		if appendErr := sink.Append(ctx, run.KindText, chunk, nil); appendErr != nil {
			return driver.Result{Text: text.String(), Errors: errs}, fmt.Errorf("persist model event: %w", appendErr)
		}
		text.WriteString(chunk)
	}

	return driver.Result{Text: text.String(), Errors: errs}, nil
}

func buildContents(prompt content.Content) []*genai.Content {
	var parts []*genai.Part
	for _, p := range prompt.Parts {
		switch p.Kind {
		case content.KindText:
			parts = append(parts, &genai.Part{Text: p.Text})
		case content.KindBlob:
			parts = append(parts, &genai.Part{
				InlineData: &genai.Blob{MIMEType: p.MimeType, Data: p.Data},
			})
		case content.KindRef:
			parts = append(parts, &genai.Part{
				FileData: &genai.FileData{MIMEType: p.MimeType, FileURI: p.URI},
			})
		}
	}
	if len(parts) == 0 {
		parts = append(parts, &genai.Part{Text: ""})
	}
	return []*genai.Content{{Role: "user", Parts: parts}}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			out.WriteString(part.Text)
		}
	}
	return out.String()
}

type genaiGenerator struct {
	client *genai.Client
}

func (g *genaiGenerator) Stream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	return g.client.Models.GenerateContentStream(ctx, model, contents, config)
}
