package messaging

import (
	"context"
)

// Consume subscribes to channel and feeds every message to handler until ctx
// is cancelled. Handler errors are passed to onError and never stop the loop.
func Consume(ctx context.Context, broker Broker, channel string, handler func([]byte) error, onError func(error)) error {
	msgChan, err := broker.Subscribe(ctx, channel)
	if err != nil {
		return err
	}

	go func() {
		for msg := range msgChan {
			if err := handler(msg); err != nil && onError != nil {
				onError(err)
			}
		}
	}()

	return nil
}
