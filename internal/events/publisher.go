// Package events publishes membership events to Redis pub/sub for downstream consumers
// (analytics, onboarding flows). Publishing is best-effort: a subscriber that is not
// listening when an event fires never sees it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TypeMemberInvited is the event type emitted after an invitation is created
const TypeMemberInvited = "member.invited"

// MemberInvited describes a newly invited member
type MemberInvited struct {
	Type           string    `json:"type"`
	MemberID       string    `json:"member_id"`
	OrganizationID string    `json:"organization_id"`
	Email          string    `json:"email"`
	Role           string    `json:"role"`
	ActorID        string    `json:"actor_id"`
	Referrer       string    `json:"referrer,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher emits membership events
type Publisher interface {
	PublishMemberInvited(ctx context.Context, ev MemberInvited) error
}

// RedisPublisher publishes JSON events on a single channel
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher creates a publisher on channel
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// PublishMemberInvited implements Publisher
func (p *RedisPublisher) PublishMemberInvited(ctx context.Context, ev MemberInvited) error {
	ev.Type = TypeMemberInvited
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type, err)
	}
	return nil
}

// Nop discards every event
type Nop struct{}

// PublishMemberInvited implements Publisher
func (Nop) PublishMemberInvited(context.Context, MemberInvited) error { return nil }
