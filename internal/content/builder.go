package content

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flitsinc/agent-relay/internal/state"
)

// Builder converts the last user message of a history into a normalized
// prompt payload, resolving external object references as needed.
type Builder struct {
	Fetcher Fetcher
	Log     *slog.Logger
}

// Build finds the most recent user message in the history and converts
// its parts. Image and text references are fetched and embedded inline;
// other MIME types are kept as URI references, which not all drivers
// honor. A fetch failure yields a placeholder text part instead of
// aborting the run. The result always carries at least one part.
func (b *Builder) Build(ctx context.Context, msgs []state.Message) Content {
	var user *state.Message
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsUser() {
			user = &msgs[i]
			break
		}
	}

	var out Content
	if user != nil {
		for _, part := range user.Parts {
			out.Parts = append(out.Parts, b.convert(ctx, part, &out.Chars))
		}
	}

	if len(out.Parts) == 0 {
		// Backend contract: the payload carries at least one part.
		out.Parts = append(out.Parts, Part{Kind: KindText})
	}
	return out
}

func (b *Builder) convert(ctx context.Context, part state.Part, chars *int) Part {
	switch part.Kind {
	case "text":
		*chars += len(part.Text)
		return Part{Kind: KindText, Text: part.Text}
	case "ref":
		return b.resolveRef(ctx, part)
	default:
		return Part{Kind: KindText, Text: fmt.Sprintf("[unsupported part kind %q]", part.Kind)}
	}
}

func (b *Builder) resolveRef(ctx context.Context, part state.Part) Part {
	switch {
	case strings.HasPrefix(part.MimeType, "image/"):
		data, err := b.fetch(ctx, part.URI)
		if err != nil {
			return fetchFailurePart(part.URI, err)
		}
		return Part{Kind: KindBlob, Data: data, URI: part.URI, MimeType: part.MimeType}
	case strings.HasPrefix(part.MimeType, "text/"):
		data, err := b.fetch(ctx, part.URI)
		if err != nil {
			return fetchFailurePart(part.URI, err)
		}
		return Part{Kind: KindText, Text: string(data)}
	default:
		// Kept as a reference; drivers that cannot pass URIs through
		// will drop it.
		if b.Log != nil {
			b.Log.Debug("keeping attachment as external reference", "uri", part.URI, "mime_type", part.MimeType)
		}
		return Part{Kind: KindRef, URI: part.URI, MimeType: part.MimeType}
	}
}

func (b *Builder) fetch(ctx context.Context, uri string) ([]byte, error) {
	if b.Fetcher == nil {
		return nil, fmt.Errorf("no fetcher configured")
	}
	return b.Fetcher.Fetch(ctx, uri)
}

func fetchFailurePart(uri string, err error) Part {
	return Part{Kind: KindText, Text: fmt.Sprintf("[attachment %s could not be loaded: %v]", uri, err)}
}
