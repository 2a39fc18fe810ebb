package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"cropcast-backend/internal/logging"
	"cropcast-backend/internal/metrics"
	"cropcast-backend/internal/models"
	"cropcast-backend/internal/training"
)

// ErrQueueFull is returned when an event cannot be queued for publishing
var ErrQueueFull = errors.New("event queue full")

// publishClient is the slice of the paho client the publisher needs
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher publishes engine events from a channel
type Publisher struct {
	client publishClient
	log    *zap.SugaredLogger

	// Input channel (written by Notifier methods, read by Start)
	EventChan chan *models.Event

	eventTopic     string
	publishTimeout time.Duration
	now            func() time.Time
}

// PublisherConfig holds configuration for the MQTT publisher
type PublisherConfig struct {
	EventTopic     string // e.g. "cropcast/events/{kind}"
	BufferSize     int
	PublishTimeout time.Duration
}

// DefaultPublisherConfig returns default configuration
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		EventTopic:     "cropcast/events/{kind}",
		BufferSize:     64,
		PublishTimeout: 5 * time.Second,
	}
}

// NewPublisher creates a publisher with its own event queue
func NewPublisher(client publishClient, config PublisherConfig, log *zap.SugaredLogger) *Publisher {
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	return &Publisher{
		client:         client,
		log:            logging.OrNop(log),
		EventChan:      make(chan *models.Event, config.BufferSize),
		eventTopic:     config.EventTopic,
		publishTimeout: config.PublishTimeout,
		now:            time.Now,
	}
}

// Start publishes queued events until the context is cancelled or the channel closes
func (p *Publisher) Start(ctx context.Context) {
	p.log.Info("MQTT Publisher: Starting...")

	for {
		select {
		case <-ctx.Done():
			p.log.Info("MQTT Publisher: Context cancelled, shutting down...")
			return
		case event, ok := <-p.EventChan:
			if !ok {
				p.log.Info("MQTT Publisher: Event channel closed, shutting down...")
				return
			}
			if err := p.publishEvent(event); err != nil {
				metrics.EventsPublished.WithLabelValues("mqtt", "error").Inc()
				p.log.Warnf("Error publishing %s event: %v", event.Kind, err)
				continue
			}
			metrics.EventsPublished.WithLabelValues("mqtt", "ok").Inc()
		}
	}
}

// PredictionRecorded queues a committed prediction record
func (p *Publisher) PredictionRecorded(_ context.Context, record models.PredictionRecord) error {
	return p.enqueue(models.EventPrediction, record)
}

// TrialRecorded queues a newly recorded training trial
func (p *Publisher) TrialRecorded(_ context.Context, trial models.TrainingTrial) error {
	return p.enqueue(models.EventTrial, trial)
}

// TrainingProgress queues a per-epoch progress update
func (p *Publisher) TrainingProgress(_ context.Context, progress training.EpochProgress) error {
	return p.enqueue(models.EventTrainingProgress, progress)
}

// enqueue never blocks the engine; a full queue drops the event
func (p *Publisher) enqueue(kind string, data any) error {
	event := &models.Event{Kind: kind, Timestamp: p.now().UTC(), Data: data}
	select {
	case p.EventChan <- event:
		return nil
	default:
		metrics.EventsPublished.WithLabelValues("mqtt", "dropped").Inc()
		return fmt.Errorf("%w: dropping %s event", ErrQueueFull, kind)
	}
}

func (p *Publisher) publishEvent(event *models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Kind, err)
	}

	topic := formatTopic(p.eventTopic, event.Kind)
	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(p.publishTimeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	p.log.Debugf("Published %s event to topic: %s", event.Kind, topic)
	return nil
}

// formatTopic replaces the {kind} placeholder with the event kind
func formatTopic(topicPattern, kind string) string {
	return strings.ReplaceAll(topicPattern, "{kind}", kind)
}
