/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus bridges the in-process event bus onto NATS so multiple
// stateless engine instances see each other's record operations.
package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/apexobs/obsdb/internal/events"
)

const subjectPrefix = "obsdb.events."

// NATSBus mirrors local publishes to NATS subjects and replays remote
// messages onto the local bus. It degrades to in-process delivery only
// when the NATS connection is down.
type NATSBus struct {
	logger zerolog.Logger
	local  *events.Bus
	conn   *nats.Conn
	sub    *nats.Subscription
	nodeID string
}

// NewNATSBus connects to NATS and subscribes to the engine's subject tree.
// An empty URL disables the remote leg entirely.
func NewNATSBus(natsURL string, logger zerolog.Logger) (*NATSBus, error) {
	nb := &NATSBus{
		logger: logger.With().Str("component", "eventbus").Logger(),
		local:  events.NewBus(),
		nodeID: generateNodeID(),
	}
	if natsURL == "" {
		nb.logger.Info().Msg("nats disabled, events stay in-process")
		return nb, nil
	}

	conn, err := nats.Connect(natsURL,
		nats.Name("obsdb-"+nb.nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	nb.conn = conn

	sub, err := conn.Subscribe(subjectPrefix+">", nb.handleRemote)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe nats: %w", err)
	}
	nb.sub = sub

	nb.logger.Info().Str("url", natsURL).Str("node_id", nb.nodeID).Msg("nats event bus connected")
	return nb, nil
}

// Subscribe registers a subscriber for an event type.
func (nb *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	return nb.local.Subscribe(eventType)
}

// Unsubscribe removes a subscriber.
func (nb *NATSBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	nb.local.Unsubscribe(eventType, sub)
}

// Publish delivers locally and mirrors to the NATS subject for the type.
func (nb *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	nb.local.Publish(eventType, payload)

	if nb.conn == nil || !nb.conn.IsConnected() {
		return
	}
	data, err := marshalMessage(eventType, payload, nb.nodeID)
	if err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to marshal event")
		return
	}
	if err := nb.conn.Publish(subjectPrefix+string(eventType), data); err != nil {
		nb.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("failed to publish event to nats")
	}
}

// handleRemote replays messages from other nodes onto the local bus. Own
// messages are dropped so local subscribers see each event once.
func (nb *NATSBus) handleRemote(m *nats.Msg) {
	msg, err := unmarshalMessage(m.Data)
	if err != nil {
		nb.logger.Warn().Err(err).Str("subject", m.Subject).Msg("dropping malformed event")
		return
	}
	if msg.NodeID == nb.nodeID {
		return
	}
	nb.local.Publish(msg.EventType, msg.Payload)
}

// Close drains the subscription and closes the connection.
func (nb *NATSBus) Close() error {
	if nb.sub != nil {
		if err := nb.sub.Drain(); err != nil {
			nb.logger.Warn().Err(err).Msg("failed to drain nats subscription")
		}
	}
	if nb.conn != nil {
		nb.conn.Close()
	}
	return nil
}

// natsMessage is the wire format on NATS subjects.
type natsMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

func marshalMessage(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(natsMessage{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	})
}

func unmarshalMessage(data []byte) (*natsMessage, error) {
	var msg natsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal nats message: %w", err)
	}
	return &msg, nil
}

func generateNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "obsdb"
	}
	return host + "-" + uuid.NewString()[:8]
}
