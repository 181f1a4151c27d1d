// Package notifications fans post changes out to other sync instances over Redis pub/sub.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"learnora/internal/observability"
)

// PostEventsChannel carries every post event.
const PostEventsChannel = "feed:posts"

// PostEventType names what happened to a post.
type PostEventType string

const (
	PostCreated PostEventType = "created"
	PostUpdated PostEventType = "updated"
	PostDeleted PostEventType = "deleted"
	PostReacted PostEventType = "reacted"
)

// PostEvent is the payload published on PostEventsChannel.
type PostEvent struct {
	Type   PostEventType `json:"type"`
	PostID string        `json:"post_id"`
	Origin string        `json:"origin"`
	At     time.Time     `json:"at"`
}

// Notifier publishes and consumes post events. A nil Redis client turns every call
// into a no-op.
type Notifier struct {
	rdb    *redis.Client
	origin string
}

// NewNotifier creates a notifier with a fresh instance id as origin.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb, origin: uuid.NewString()}
}

// Origin identifies this instance in published events.
func (n *Notifier) Origin() string {
	return n.origin
}

// Enabled reports whether a Redis client is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.rdb != nil
}

// PublishPostEvent stamps origin and time and publishes the event.
func (n *Notifier) PublishPostEvent(ctx context.Context, typ PostEventType, postID string) error {
	if !n.Enabled() {
		return nil
	}
	payload, err := json.Marshal(PostEvent{Type: typ, PostID: postID, Origin: n.origin, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal post event: %w", err)
	}
	return n.rdb.Publish(ctx, PostEventsChannel, payload).Err()
}

// StartPostSubscriber delivers events published by other instances to onEvent until
// ctx is canceled. It returns once the subscription is confirmed.
func (n *Notifier) StartPostSubscriber(ctx context.Context, onEvent func(PostEvent)) error {
	if !n.Enabled() {
		return nil
	}
	log := observability.For("notifications")

	sub := n.rdb.Subscribe(ctx, PostEventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", PostEventsChannel, err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt PostEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					log.Warn("dropping malformed post event", "error", err)
					continue
				}
				if evt.Origin == n.origin {
					continue
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Error("panic in post event handler", "panic", r, "stack", string(debug.Stack()))
						}
					}()
					onEvent(evt)
				}()
			}
		}
	}()

	return nil
}
