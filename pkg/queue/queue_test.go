package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/curatevault/pkg/configs"
	"github.com/yeisme/curatevault/pkg/queue"
)

func TestEnqueueRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	defer pubSub.Close()

	msgs, err := pubSub.Subscribe(ctx, queue.TopicFileMove)
	require.NoError(t, err)

	q := queue.New(pubSub, queue.WithRateLimit(configs.RateLimitConfig{Enabled: true, RPS: 100, Burst: 1}))

	want := queue.FileTaskPayload{
		SnapshotID:   7,
		WorkID:       3,
		SourceBucket: "pre",
		SourceKey:    "10.34770/abc/3/data.csv",
		TargetBucket: "post",
		TargetKey:    "10.34770/abc/3/data.csv",
		Size:         12,
	}
	require.NoError(t, q.Enqueue(ctx, queue.TopicFileMove, want))

	select {
	case msg := <-msgs:
		env, err := queue.ParseWatermillMessage[queue.FileTaskPayload](msg)
		require.NoError(t, err)
		msg.Ack()

		assert.Equal(t, want, env.Payload)
		assert.Equal(t, queue.TopicFileMove, env.Header.Topic)
		assert.Equal(t, configs.AppName, env.Header.Producer)
		assert.NotEmpty(t, env.Header.TraceID)
		assert.Equal(t, env.Header.TraceID, msg.Metadata.Get(queue.MetadataTraceID))
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	q := queue.New(pubSub)

	err := q.Enqueue(context.Background(), queue.TopicFileMove, queue.FileTaskPayload{SourceKey: "/abs"})
	require.ErrorIs(t, err, queue.ErrInvalidPayload)
}
