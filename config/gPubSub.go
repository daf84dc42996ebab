package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

// GetPubSubClient returns a Pub/Sub client, initializing with retries if needed.
// It uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func GetPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	if pubsubClient != nil {
		c := pubsubClient
		pubsubClientMu.Unlock()
		return c, nil
	}
	pubsubClientMu.Unlock()

	projectID := GCPProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")

	var attempt int
	for {
		attempt++

		var (
			c   *pubsub.Client
			err error
		)
		if credJSON != "" {
			c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
		} else {
			c, err = pubsub.NewClient(ctx, projectID)
		}
		if err == nil {
			pubsubClientMu.Lock()
			if pubsubClient == nil {
				pubsubClient = c
			} else {
				// Another goroutine won the race; close ours.
				_ = c.Close()
			}
			c2 := pubsubClient
			pubsubClientMu.Unlock()

			logg.WithFields(logrus.Fields{"project_id": projectID, "attempt": attempt}).Info("pubsub client ready")
			return c2, nil
		}
		if attempt >= 5 || ctx.Err() != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}

		sleep := retrySleep(attempt)
		logg.WithError(err).WithFields(logrus.Fields{"project_id": projectID, "attempt": attempt}).
			Warnf("failed to init pubsub client; retrying in %s", sleep)
		time.Sleep(sleep)
	}
}

// GCPProjectID prefers PUBSUB_PROJECT_ID, then the project variables Cloud Run sets.
func GCPProjectID() string {
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

func CreateSubscriptionIfNotExists(ctx context.Context, client *pubsub.Client, name string, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if name == "" {
		return nil, errors.New("subscription name is required")
	}
	if topic == nil {
		return nil, errors.New("topic is required")
	}

	sub := client.Subscription(name)
	subExists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription exists: %w", err)
	}
	if !subExists {
		sub, err = client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
			Topic: topic,
			// a pass can take minutes; the handler acks only after it finishes
			AckDeadline: 10 * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("create subscription %q: %w", name, err)
		}
	}
	return sub, nil
}
