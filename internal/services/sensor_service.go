package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cropcast-backend/internal/aggregator"
	"cropcast-backend/internal/logging"
	"cropcast-backend/internal/models"
)

// AggregateSink persists closed aggregation periods
type AggregateSink interface {
	SaveAggregates(ctx context.Context, aggs []models.SensorAggregate) error
}

// SensorService folds raw readings into period aggregates and persists them
type SensorService struct {
	sink       AggregateSink
	aggregator *aggregator.PeriodAggregator
	flushEvery time.Duration
	now        func() time.Time
	log        *zap.SugaredLogger

	// Input channel from the MQTT subscriber
	ReadingChan chan *models.SensorReading
}

// SensorServiceConfig holds configuration for the sensor service
type SensorServiceConfig struct {
	Period            time.Duration
	FlushInterval     time.Duration
	ReadingBufferSize int
}

// DefaultSensorServiceConfig returns default configuration
func DefaultSensorServiceConfig() SensorServiceConfig {
	return SensorServiceConfig{
		Period:            time.Hour,
		FlushInterval:     time.Minute,
		ReadingBufferSize: 256,
	}
}

// NewSensorService creates a new sensor service
func NewSensorService(sink AggregateSink, config SensorServiceConfig, log *zap.SugaredLogger) *SensorService {
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Minute
	}
	return &SensorService{
		sink:        sink,
		aggregator:  aggregator.NewPeriodAggregator(config.Period),
		flushEvery:  config.FlushInterval,
		now:         time.Now,
		log:         logging.OrNop(log),
		ReadingChan: make(chan *models.SensorReading, config.ReadingBufferSize),
	}
}

// Start consumes readings until the context is cancelled, then flushes
// whatever is still buffered
func (s *SensorService) Start(ctx context.Context) {
	s.log.Infof("SensorService: Starting (period=%v, flush every %v)", s.aggregator.Period(), s.flushEvery)

	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("SensorService: Shutting down...")
			s.persist(context.Background(), s.aggregator.FlushAll())
			s.log.Info("SensorService: Shutdown complete")
			return
		case reading, ok := <-s.ReadingChan:
			if !ok {
				s.persist(context.Background(), s.aggregator.FlushAll())
				return
			}
			s.ingest(reading)
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush persists every period that has closed
func (s *SensorService) Flush(ctx context.Context) {
	s.persist(ctx, s.aggregator.FlushClosed(s.now()))
}

func (s *SensorService) ingest(reading *models.SensorReading) {
	if reading == nil {
		return
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = s.now()
	}
	if !s.aggregator.Add(*reading) {
		s.log.Warnf("SensorService: Dropping reading from %s on channel %q", reading.DeviceID, reading.Channel)
	}
}

func (s *SensorService) persist(ctx context.Context, aggs []models.SensorAggregate) {
	if len(aggs) == 0 {
		return
	}
	if err := s.sink.SaveAggregates(ctx, aggs); err != nil {
		s.log.Errorf("SensorService: Error saving %d aggregates: %v", len(aggs), err)
		return
	}
	s.log.Infof("SensorService: Saved %d aggregates (latest period %s)", len(aggs), aggs[len(aggs)-1].Timestamp.Format(time.RFC3339))
}
