package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cropcast-backend/internal/engine"
	"cropcast-backend/internal/metrics"
	"cropcast-backend/internal/models"
	"cropcast-backend/internal/mqtt"
	"cropcast-backend/internal/notify"
	"cropcast-backend/internal/services"
)

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.log

	if seedPath != "" {
		seed, err := readSeed(seedPath)
		if err != nil {
			return err
		}
		if err := applySeed(ctx, a.store, seed); err != nil {
			return fmt.Errorf("failed to apply seed: %w", err)
		}
		log.Infof("Seeded %d crops, %d episodes, %d aggregates from %s",
			len(seed.Crops), len(seed.Episodes), len(seed.Aggregates), seedPath)
	}

	log.Info("Starting cropcast backend (channel-based architecture)...")

	// === Metrics and health ===
	metricsServer := metrics.NewServer(a.cfg.MetricsAddr, log.Named("metrics"))

	// === Event sinks ===
	var sinks []notify.Sink
	var mqttClient *mqtt.Client
	var publisher *mqtt.Publisher
	if a.cfg.MQTTBroker != "" {
		log.Info("Connecting to MQTT broker...")
		mqttClient, err = mqtt.NewClient(a.cfg.MQTTClientConfig(), log.Named("mqtt"))
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT client: %w", err)
		}
		defer mqttClient.Close()

		publisher = mqtt.NewPublisher(mqttClient.GetNativeClient(), a.cfg.PublisherConfig(), log.Named("publisher"))
		sinks = append(sinks, publisher)
	} else {
		log.Warn("MQTT_BROKER not set, sensor ingestion and outcome subscription are disabled")
	}

	if a.cfg.RedisURL != "" {
		redisClient, redisPub, err := notify.Connect(ctx, a.cfg.RedisConfig(), log.Named("redis"))
		if err != nil {
			return err
		}
		defer redisClient.Close()
		sinks = append(sinks, redisPub)
	}

	var opts []engine.Option
	if len(sinks) > 0 {
		opts = append(opts, engine.WithNotifier(notify.NewMulti(sinks...)))
	}

	// === Engine ===
	eng, err := a.newEngine(ctx, opts...)
	if err != nil {
		return err
	}
	defer eng.Close()

	// === Services ===
	sensorService := services.NewSensorService(a.store, a.cfg.SensorServiceConfig(), log.Named("sensors"))
	outcomeService := services.NewOutcomeService(eng, 64, log.Named("outcomes"))
	predictionService := services.NewPredictionService(eng, a.cfg.PredictionServiceConfig(), log.Named("predictions"))

	g, gctx := errgroup.WithContext(ctx)

	if mqttClient != nil {
		// Subscriber outputs feed service inputs directly
		subscriber := mqtt.NewSubscriber(
			mqttClient.GetNativeClient(),
			a.cfg.SubscriberConfig(),
			sensorService.ReadingChan,
			outcomeService.OutcomeChan,
			log.Named("subscriber"),
		)
		if err := subscriber.SubscribeAll(); err != nil {
			return fmt.Errorf("failed to subscribe to MQTT topics: %w", err)
		}
		g.Go(func() error { publisher.Start(gctx); return nil })
	}

	g.Go(func() error { sensorService.Start(gctx); return nil })
	g.Go(func() error { outcomeService.Start(gctx); return nil })
	g.Go(func() error { predictionService.Start(gctx); return nil })
	g.Go(func() error {
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	metricsServer.SetReady(true)
	log.Infow("=== cropcast backend is running ===",
		"store", a.cfg.Store,
		"metrics", a.cfg.MetricsAddr,
		"sensor_topic", a.cfg.MQTTTopicSensors,
		"outcome_topic", a.cfg.MQTTTopicOutcome,
		"event_topic", a.cfg.MQTTTopicEvents,
		"predict_interval", a.cfg.PredictInterval,
		"model_path", a.cfg.ModelPath,
	)

	err = g.Wait()
	metricsServer.SetReady(false)
	log.Info("Shutdown complete")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runTrain(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	eng, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	result, err := eng.TrainModel(ctx)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), result)
}

func runPredict(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	eng, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	record, err := eng.Predict(ctx)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), record)
}

func runTrials(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	eng, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	trials, err := eng.GetTrainingTrials(ctx, trialsLimit)
	if err != nil {
		return err
	}
	return printTrials(cmd.OutOrStdout(), trials)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	records, err := a.store.ReadPredictions(ctx, historyLimit)
	if err != nil {
		return err
	}
	return printHistory(cmd.OutOrStdout(), records)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTrials(w io.Writer, trials []models.TrainingTrial) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTRAINED AT\tSCORE\tVAL LOSS\tACCURACY\tEPOCHS\tBEST")
	for _, t := range trials {
		best := ""
		if t.IsBest {
			best = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.5f\t%.1f%%\t%d\t%s\n",
			t.ID, t.TrainedAt.Format(time.RFC3339), t.TrialScore, t.Metrics.ValLoss, t.Metrics.Accuracy, t.Metrics.Epochs, best)
	}
	return tw.Flush()
}

func printHistory(w io.Writer, records []models.PredictionRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIMESTAMP\tTOP CROP\tSCORE\tQUALITY\tDEGRADED\tOUTCOME")
	for _, r := range records {
		top, score := "-", "-"
		if r.TopOverall != nil {
			top, score = r.TopOverall.CropID, fmt.Sprint(r.TopOverall.Score)
		}
		outcome := "-"
		if r.Outcome != nil {
			outcome = fmt.Sprintf("%s=%.1f", r.Outcome.CropID, r.Outcome.Score)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%v\t%s\n",
			r.ID, r.Timestamp.Format(time.RFC3339), top, score, r.Quality.Bucket, r.ModelInfo.Degraded, outcome)
	}
	return tw.Flush()
}
