package worker

import (
	"context"

	"github.com/ledgersync/ledgersync/internal/domain/queue"
	"github.com/ledgersync/ledgersync/internal/remote"
)

// Outcome is what a processor hands back for a successfully applied item.
type Outcome struct {
	TargetEntityID *string
	Result         map[string]any
}

// Processor applies the domain-specific work for one queue item. Errors
// carry structured codes where known; the queue decides finality.
type Processor interface {
	Process(ctx context.Context, item *queue.Item) (*Outcome, error)
}

// SyncProcessor pushes an item's payload to the remote platform.
type SyncProcessor struct {
	client remote.Client
}

func NewSyncProcessor(client remote.Client) *SyncProcessor {
	return &SyncProcessor{client: client}
}

func (p *SyncProcessor) Process(ctx context.Context, item *queue.Item) (*Outcome, error) {
	res, err := p.client.Push(ctx, remote.Request{
		EntityType:     item.EntityType,
		Operation:      item.Operation,
		SourceEntityID: item.SourceEntityID,
		Payload:        item.Payload,
	})
	if err != nil {
		return nil, err
	}

	out := &Outcome{Result: res.Body}
	if res.TargetEntityID != "" {
		id := res.TargetEntityID
		out.TargetEntityID = &id
	}
	return out, nil
}
