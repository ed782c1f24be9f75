// Package events publishes executed pool operations to downstream consumers.
// Subjects follow the pattern: {prefix}.{event_type}.{pool_id}
package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/atmx/bond-engine/internal/model"
)

// DefaultSubjectPrefix is the subject root used when none is configured.
const DefaultSubjectPrefix = "bond.engine.events"

// ErrBufferFull is returned by Publish when the outbound queue cannot take
// another event. The event is dropped; consumers can read the trade history
// from the store instead.
var ErrBufferFull = errors.New("events: publish buffer full")

// Event is one outbound message. Trade is set for state-changing operations,
// Info carries the pool view after the operation.
type Event struct {
	Type      model.TradeKind   `json:"event_type"`
	PoolID    string            `json:"pool_id"`
	Trade     *model.TradeEvent `json:"trade,omitempty"`
	Info      *model.PoolInfo   `json:"info,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Publisher sends events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Subject builds the subject an event is published on. Characters that are
// special in subjects are replaced so a pool id always stays one token.
func Subject(prefix string, ev Event) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	subject := prefix + "." + token(string(ev.Type))
	if ev.PoolID != "" {
		subject += "." + token(ev.PoolID)
	}
	return subject
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

func token(s string) string {
	return tokenReplacer.Replace(s)
}
