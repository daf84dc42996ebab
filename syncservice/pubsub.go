package syncservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/crmsync_backend/config"
	"github.com/mmdatafocus/crmsync_backend/models"
	"github.com/mmdatafocus/crmsync_backend/utils"
	"github.com/sirupsen/logrus"
)

// SyncMessage is the payload of a queued sync run.
type SyncMessage struct {
	Request       RunRequest `json:"request"`
	CorrelationId string     `json:"correlation_id,omitempty"`
}

// PubSubPushEnvelope is the body Pub/Sub posts to a push subscription endpoint.
type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		ID         string            `json:"messageId"`
		Attributes map[string]string `json:"attributes,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Publisher queues sync runs for a worker.
type Publisher interface {
	Publish(ctx context.Context, msg SyncMessage) (string, error)
}

type PubSubPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubPublisher makes sure topicName exists and publishes to it.
func NewPubSubPublisher(ctx context.Context, client *pubsub.Client, topicName string) (*PubSubPublisher, error) {
	topic, err := config.CreateTopicIfNotExists(ctx, client, topicName)
	if err != nil {
		return nil, err
	}
	return &PubSubPublisher{topic: topic}, nil
}

func (p *PubSubPublisher) Topic() *pubsub.Topic { return p.topic }

func (p *PubSubPublisher) Publish(ctx context.Context, msg SyncMessage) (string, error) {
	if msg.CorrelationId == "" {
		msg.CorrelationId, _ = utils.GetCorrelationIdFromContext(ctx)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"triggered_by": msg.Request.TriggeredBy},
	})
	return res.Get(ctx)
}

func (p *PubSubPublisher) Stop() { p.topic.Stop() }

// handleMessage decodes and runs one queued sync. Malformed messages are reported as
// permanent so they are acked rather than redelivered forever.
func (s *Service) handleMessage(ctx context.Context, data []byte) (permanent bool, err error) {
	var msg SyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return true, fmt.Errorf("decode sync message: %w", err)
	}
	if msg.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, msg.CorrelationId)
	}
	msg.Request.TriggeredBy = models.SyncTriggeredPubSub
	_, _, err = s.Run(ctx, msg.Request)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, ErrUnknownObject), errors.Is(err, ErrDirectionBlocked), errors.Is(err, ErrSyncDisabled):
		return true, err
	}
	return false, err
}

// PubSubPushHandler serves the push subscription. Runs that fail transiently answer 500
// so Pub/Sub redelivers; anything else is acked with 204.
func PubSubPushHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Message.Data) == 0 {
			s.log.WithField("subscription", envelope.Subscription).Warn("dropping malformed pubsub push")
			c.Status(http.StatusNoContent)
			return
		}

		log := s.log.WithFields(logrus.Fields{
			"message_id":   envelope.Message.ID,
			"subscription": envelope.Subscription,
		})
		permanent, err := s.handleMessage(c.Request.Context(), envelope.Message.Data)
		if err != nil {
			config.LogError(log, "syncservice", "PubSubPushHandler", "queued sync failed", nil, err)
			if !permanent {
				c.Status(http.StatusInternalServerError)
				return
			}
		}
		c.Status(http.StatusNoContent)
	}
}

// Subscribe pulls queued runs from sub until ctx ends. It is the alternative to the push
// endpoint for deployments without a public URL.
func (s *Service) Subscribe(ctx context.Context, sub *pubsub.Subscription) error {
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	return sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		log := s.log.WithField("message_id", m.ID)
		permanent, err := s.handleMessage(ctx, m.Data)
		if err != nil {
			config.LogError(log, "syncservice", "Subscribe", "queued sync failed", nil, err)
			if !permanent {
				m.Nack()
				return
			}
		}
		m.Ack()
	})
}
