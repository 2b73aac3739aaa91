// Package push delivers server-initiated ride updates by topic.
//
// Two transports implement Conn: STOMP over WebSocket (the backend's
// broker) and a Kafka topic keyed by logical destination. Delivery is
// at-least-once and possibly duplicated; consumers must merge idempotently.
package push

import (
	"context"
	"errors"
)

// Handler receives the raw body of one message published on topic.
type Handler func(topic string, body []byte)

type Subscription interface {
	Unsubscribe() error
}

// Conn is one open push connection. It owns reconnection.
type Conn interface {
	Subscribe(topic string, h Handler) (Subscription, error)
	Close() error
}

// Dialer opens a Conn. Implementations return quickly and connect in the background.
type Dialer func(ctx context.Context) (Conn, error)

var ErrClosed = errors.New("push: connection closed")

// RideTopic and UserTopic build the two destinations a ride is announced on.
func RideTopic(prefix, rideID string) string { return prefix + rideID }

func UserTopic(prefix, userID string) string { return prefix + userID + "/rides" }
