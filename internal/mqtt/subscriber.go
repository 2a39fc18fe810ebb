package mqtt

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"cropcast-backend/internal/logging"
	"cropcast-backend/internal/models"
)

// Subscriber handles MQTT subscriptions and writes messages to channels
type Subscriber struct {
	client mqtt.Client
	log    *zap.SugaredLogger

	// Output channels (written by subscriber, read by services)
	ReadingChan chan *models.SensorReading
	OutcomeChan chan *models.OutcomeReport

	sensorTopic  string
	outcomeTopic string
	sendTimeout  time.Duration
	now          func() time.Time
}

// SubscriberConfig holds configuration for the MQTT subscriber
type SubscriberConfig struct {
	SensorTopic  string // e.g. "crop/sensors/+/+" as crop/sensors/{device_id}/{channel}
	OutcomeTopic string // e.g. "crop/+/outcome" as crop/{crop_id}/outcome
	SendTimeout  time.Duration
}

// DefaultSubscriberConfig returns the standard topic layout
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		SensorTopic:  "crop/sensors/+/+",
		OutcomeTopic: "crop/+/outcome",
		SendTimeout:  time.Second,
	}
}

// outcomePayload is the JSON body of an outcome message
type outcomePayload struct {
	PredictionID string   `json:"prediction_id"`
	Score        *float64 `json:"score"`
}

// NewSubscriber creates a subscriber writing into the given channels
func NewSubscriber(
	client mqtt.Client,
	config SubscriberConfig,
	readingChan chan *models.SensorReading,
	outcomeChan chan *models.OutcomeReport,
	log *zap.SugaredLogger,
) *Subscriber {
	if config.SendTimeout <= 0 {
		config.SendTimeout = time.Second
	}
	return &Subscriber{
		client:       client,
		log:          logging.OrNop(log),
		ReadingChan:  readingChan,
		OutcomeChan:  outcomeChan,
		sensorTopic:  config.SensorTopic,
		outcomeTopic: config.OutcomeTopic,
		sendTimeout:  config.SendTimeout,
		now:          time.Now,
	}
}

// SubscribeAll subscribes to every configured topic
func (s *Subscriber) SubscribeAll() error {
	if s.sensorTopic != "" {
		if err := s.subscribeToTopic(s.sensorTopic, s.handleSensor); err != nil {
			return fmt.Errorf("failed to subscribe to sensor topic: %w", err)
		}
		s.log.Infof("Subscribed to sensor topic: %s", s.sensorTopic)
	}
	if s.outcomeTopic != "" {
		if err := s.subscribeToTopic(s.outcomeTopic, s.handleOutcome); err != nil {
			return fmt.Errorf("failed to subscribe to outcome topic: %w", err)
		}
		s.log.Infof("Subscribed to outcome topic: %s", s.outcomeTopic)
	}
	return nil
}

func (s *Subscriber) subscribeToTopic(topic string, handler mqtt.MessageHandler) error {
	token := s.client.Subscribe(topic, 1, handler)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// handleSensor parses a raw float reading from crop/sensors/{device_id}/{channel}
func (s *Subscriber) handleSensor(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 4 || parts[2] == "" {
		s.log.Warnf("Could not extract device and channel from topic: %s", msg.Topic())
		return
	}
	deviceID, channel := parts[2], models.Channel(parts[3])
	if channel.Index() < 0 {
		s.log.Warnf("Ignoring unknown channel %q from %s", channel, deviceID)
		return
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(string(msg.Payload())), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		s.log.Warnf("Error parsing %s value from %s: %q", channel, deviceID, msg.Payload())
		return
	}

	reading := &models.SensorReading{
		DeviceID:  deviceID,
		Channel:   channel,
		Value:     value,
		Timestamp: s.now().UTC(),
	}
	s.log.Debugf("Received %s from %s: %.2f", channel, deviceID, value)

	select {
	case s.ReadingChan <- reading:
	case <-time.After(s.sendTimeout):
		s.log.Warnf("Reading channel full, dropping %s from %s", channel, deviceID)
	}
}

// handleOutcome parses an outcome report from crop/{crop_id}/outcome
func (s *Subscriber) handleOutcome(_ mqtt.Client, msg mqtt.Message) {
	cropID := extractCropID(msg.Topic())
	if cropID == "" {
		s.log.Warnf("Could not extract crop ID from topic: %s", msg.Topic())
		return
	}

	var payload outcomePayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		s.log.Warnf("Error unmarshaling outcome for %s: %v", cropID, err)
		return
	}
	if payload.Score == nil {
		s.log.Warnf("Outcome for %s has no score", cropID)
		return
	}

	report := &models.OutcomeReport{
		CropID:       cropID,
		PredictionID: payload.PredictionID,
		Score:        *payload.Score,
	}
	s.log.Infof("Received outcome for %s: score=%.1f prediction=%s", cropID, report.Score, report.PredictionID)

	select {
	case s.OutcomeChan <- report:
	case <-time.After(s.sendTimeout):
		s.log.Warnf("Outcome channel full, dropping outcome for %s", cropID)
	}
}

// extractCropID returns the second topic segment.
// Example: "crop/maize/outcome" -> "maize"
func extractCropID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
