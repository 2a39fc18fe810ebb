package services

import (
	"context"

	"go.uber.org/zap"

	"cropcast-backend/internal/logging"
	"cropcast-backend/internal/models"
)

// OutcomeRecorder stores ground-truth outcomes
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, cropID, predictionID string, score float64) (string, error)
}

// OutcomeService records outcome reports arriving over MQTT
type OutcomeService struct {
	recorder OutcomeRecorder
	log      *zap.SugaredLogger

	// Input channel from the MQTT subscriber
	OutcomeChan chan *models.OutcomeReport
}

// NewOutcomeService creates a new outcome service
func NewOutcomeService(recorder OutcomeRecorder, bufferSize int, log *zap.SugaredLogger) *OutcomeService {
	return &OutcomeService{
		recorder:    recorder,
		log:         logging.OrNop(log),
		OutcomeChan: make(chan *models.OutcomeReport, bufferSize),
	}
}

// Start records reports until the context is cancelled or the channel closes
func (s *OutcomeService) Start(ctx context.Context) {
	s.log.Info("OutcomeService: Starting...")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("OutcomeService: Shutting down...")
			return
		case report, ok := <-s.OutcomeChan:
			if !ok {
				return
			}
			s.process(ctx, report)
		}
	}
}

func (s *OutcomeService) process(ctx context.Context, report *models.OutcomeReport) {
	if report == nil {
		return
	}
	id, err := s.recorder.RecordOutcome(ctx, report.CropID, report.PredictionID, report.Score)
	if err != nil {
		s.log.Errorf("OutcomeService: Error recording outcome for %s: %v", report.CropID, err)
		return
	}
	s.log.Infof("OutcomeService: Recorded outcome %s for crop %s (score=%.1f)", id, report.CropID, report.Score)
}
