package bus

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/builderjer/ovos-core/pkg/dispatch"
)

// Request publishes msg and waits for its reply. The reply travels on a
// topic private to the request, replyType suffixed with the request id, so
// concurrent requests never share a subscription buffer. Responders answer
// with [Message.Response]. The wait is bounded by ctx.
func Request(ctx context.Context, b Bus, msg Message, replyType string) (Message, error) {
	id := uuid.Must(uuid.NewV7()).String()
	replyTo := replyType + "." + id

	sub, err := b.Subscribe(replyTo, 4)
	if err != nil {
		return Message{}, transportErr(msg.Type, err)
	}
	defer b.Unsubscribe(sub)

	msg = msg.Forward(msg.Type, msg.Data)
	msg.Context[CtxRequestID] = id
	msg.Context[CtxReplyTo] = replyTo

	if err := b.Publish(ctx, msg); err != nil {
		return Message{}, err
	}

	for {
		select {
		case reply, ok := <-sub.C:
			if !ok {
				return Message{}, transportErr(msg.Type, ErrClosed)
			}
			if reply.RequestID() == id {
				return reply, nil
			}
		case <-ctx.Done():
			return Message{}, fmt.Errorf("bus: request %q: %w", msg.Type, ctx.Err())
		}
	}
}

func transportErr(topic string, err error) error {
	return &dispatch.TransportError{Topic: topic, Err: err}
}
