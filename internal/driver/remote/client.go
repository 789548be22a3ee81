package remote

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2aclient"
	"github.com/a2aproject/a2a-go/a2aclient/agentcard"
)

// Client is the slice of the A2A client surface the driver uses.
// *a2aclient.Client satisfies it.
type Client interface {
	SendMessage(ctx context.Context, params *a2a.MessageSendParams) (a2a.SendMessageResult, error)
	SendStreamingMessage(ctx context.Context, params *a2a.MessageSendParams) iter.Seq2[a2a.Event, error]
	GetTask(ctx context.Context, params *a2a.TaskQueryParams) (*a2a.Task, error)
	Destroy() error
}

// ClientFactory opens an A2A client for a third-party agent URL.
type ClientFactory func(ctx context.Context, url string) (Client, error)

// NewClient resolves the agent card advertised at the given base URL
// and builds a client from it.
func NewClient(ctx context.Context, url string) (Client, error) {
	source := strings.TrimSuffix(url, "/") + "/.well-known/agent.json"
	card, err := agentcard.DefaultResolver.Resolve(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("resolve agent card: %w", err)
	}
	client, err := a2aclient.NewFromCard(ctx, card)
	if err != nil {
		return nil, fmt.Errorf("create a2a client: %w", err)
	}
	return client, nil
}
