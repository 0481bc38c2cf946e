package service

import (
	"context"
	"fmt"

	"pushlink/internal/domain"
	"pushlink/internal/webpush"
)

// PayloadSender is satisfied by chunk.Chunker.
type PayloadSender interface {
	Send(ctx context.Context, payload string, target webpush.Subscriber) error
}

// PushOutbox encodes payloads and hands them to the chunker.
type PushOutbox struct {
	sender PayloadSender
}

func NewPushOutbox(sender PayloadSender) *PushOutbox {
	return &PushOutbox{sender: sender}
}

var _ Outbox = (*PushOutbox)(nil)

func (o *PushOutbox) Send(ctx context.Context, p domain.Payload, to domain.RemoteCredentials) error {
	sub, err := webpush.ParseSubscriber(to.Endpoint, to.P256dh, to.Auth)
	if err != nil {
		return fmt.Errorf("remote credentials: %w", err)
	}
	body, err := domain.EncodePayload(p)
	if err != nil {
		return err
	}
	return o.sender.Send(ctx, string(body), sub)
}
