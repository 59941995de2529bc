package nats

import (
	"context"
	"testing"
	"time"

	gonats "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// subscribe listens on subject through client's connection and returns once
// the server has registered the subscription.
func subscribe(t *testing.T, client *Client, subject string) <-chan *gonats.Msg {
	t.Helper()

	received := make(chan *gonats.Msg, 16)
	sub, err := client.conn.Subscribe(subject, func(msg *gonats.Msg) {
		received <- msg
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.conn.FlushWithContext(ctx))
	return received
}
