package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cropcast-backend/internal/logging"
)

var (
	PredictionsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cropcast_predictions_generated_total",
		Help: "Total number of prediction records committed.",
	})
	PredictionsDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cropcast_predictions_degraded_total",
		Help: "Predictions produced from the weighted historical average instead of the model.",
	})
	PredictionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cropcast_predictions_failed_total",
		Help: "Prediction attempts that failed, by reason.",
	}, []string{"reason"})

	TrainingRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cropcast_training_runs_total",
		Help: "Training runs by result.",
	}, []string{"result"})
	TrainingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cropcast_training_duration_seconds",
		Help:    "Wall time of successful training runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	BestTrialScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cropcast_best_trial_score",
		Help: "Trial score of the trial currently flagged as best.",
	})
	ValidationLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cropcast_last_validation_loss",
		Help: "Validation loss of the most recent training run.",
	})

	RetrainTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cropcast_retrain_triggers_total",
		Help: "Retrain scheduler decisions (fired, skipped_training, skipped_not_ready, failed).",
	}, []string{"decision"})
	OutcomesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cropcast_outcomes_recorded_total",
		Help: "Ground-truth outcomes recorded.",
	})
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cropcast_events_published_total",
		Help: "Events handed to publishers, by sink and result.",
	}, []string{"sink", "result"})
)

// Training run results
const (
	ResultSuccess      = "success"
	ResultInsufficient = "insufficient_data"
	ResultConcurrent   = "concurrent"
	ResultFailed       = "failed"
)

// Retrain scheduler decisions
const (
	DecisionFired           = "fired"
	DecisionSkippedTraining = "skipped_training"
	DecisionSkippedNotReady = "skipped_not_ready"
	DecisionFailed          = "failed"
)

// Server exposes /metrics and /health
type Server struct {
	server *http.Server
	ready  atomic.Bool
	log    *zap.SugaredLogger
}

// NewServer builds the HTTP server. /health reports 503 until SetReady(true).
func NewServer(addr string, log *zap.SugaredLogger) *Server {
	s := &Server{log: logging.OrNop(log)}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.health)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// SetReady toggles the health status
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Handler returns the server's mux
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.log.Infof("Metrics server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
