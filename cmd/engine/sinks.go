package main

import (
	"context"
	"encoding/json"

	"github.com/sproutcare/notify-engine/internal/engine"
	"github.com/sproutcare/notify-engine/pkg/messaging"
)

const (
	decisionQueue = "delivery.decisions"
	alertQueue    = "ops.alerts"
)

// RabbitSink publishes decision messages to the durable delivery queue.
type RabbitSink struct {
	client *messaging.RabbitMQClient
}

func NewRabbitSink(client *messaging.RabbitMQClient) *RabbitSink {
	return &RabbitSink{client: client}
}

func (s *RabbitSink) Publish(ctx context.Context, msg *engine.DecisionMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, decisionQueue, body)
}

// RabbitAlertSink publishes operator alerts to the ops queue consumed by
// the dispatcher's live feed.
type RabbitAlertSink struct {
	client *messaging.RabbitMQClient
}

func NewRabbitAlertSink(client *messaging.RabbitMQClient) *RabbitAlertSink {
	return &RabbitAlertSink{client: client}
}

func (s *RabbitAlertSink) Alert(ctx context.Context, alert *engine.OperatorAlert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, alertQueue, body)
}
