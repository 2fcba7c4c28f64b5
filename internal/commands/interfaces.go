package commands

import (
	"context"

	"github.com/glkvm-cloud/device-console/pkg/publishers"
)

// EventPublisher fans an event out to downstream sinks and reports how many
// accepted it. *publishers.Fanout satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, evt publishers.Event) (int, error)
}
