package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"cropcast-backend/internal/logging"
	"cropcast-backend/internal/models"
)

// ClickHouseConfig holds connection settings
type ClickHouseConfig struct {
	Addr        string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// DefaultClickHouseConfig returns settings for a local server
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Addr:        "localhost:9000",
		Database:    "cropcast",
		Username:    "default",
		DialTimeout: 5 * time.Second,
	}
}

// ClickHouseDB is the production store. Every logical commit is a single
// insert block, which ClickHouse applies atomically.
type ClickHouseDB struct {
	conn driver.Conn
	log  *zap.SugaredLogger
	hub  outcomeHub
}

// NewClickHouseDB opens a connection and creates missing tables
func NewClickHouseDB(ctx context.Context, config ClickHouseConfig, log *zap.SugaredLogger) (*ClickHouseDB, error) {
	log = logging.OrNop(log)
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{config.Addr},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: config.DialTimeout,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	log.Infof("Connected to ClickHouse at %s", config.Addr)

	db := &ClickHouseDB{conn: conn, log: log}
	if err := db.InitSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// InitSchema creates the necessary tables if they don't exist
func (db *ClickHouseDB) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := db.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	db.log.Info("Database schema initialized successfully")
	return nil
}

// SaveAggregates writes closed aggregation periods
func (db *ClickHouseDB) SaveAggregates(ctx context.Context, aggs []models.SensorAggregate) error {
	rows := flattenAggregates(aggs)
	if len(rows) == 0 {
		return nil
	}
	batch, err := db.conn.PrepareBatch(ctx, "INSERT INTO sensor_aggregates")
	if err != nil {
		return models.NewPersistenceError("save_aggregates", fmt.Errorf("failed to prepare batch: %w", err))
	}
	for _, r := range rows {
		if err := batch.Append(r.PeriodStart, r.Channel, r.Avg, r.Min, r.Max, r.Count); err != nil {
			return models.NewPersistenceError("save_aggregates", fmt.Errorf("failed to append aggregate: %w", err))
		}
	}
	if err := batch.Send(); err != nil {
		return models.NewPersistenceError("save_aggregates", fmt.Errorf("failed to insert aggregates: %w", err))
	}
	return nil
}

// ReadAggregates returns aggregates with start <= period_start <= end, oldest first
func (db *ClickHouseDB) ReadAggregates(ctx context.Context, start, end time.Time) ([]models.SensorAggregate, error) {
	query := `
		SELECT period_start, channel, avg_value, min_value, max_value, sample_count
		FROM sensor_aggregates FINAL
		WHERE period_start >= ? AND period_start <= ?
		ORDER BY period_start, channel
	`
	rows, err := db.conn.Query(ctx, query, start, end)
	if err != nil {
		return nil, models.NewPersistenceError(OpReadAggregates, fmt.Errorf("failed to query aggregates: %w", err))
	}
	defer rows.Close()

	var out []aggregateRow
	for rows.Next() {
		var r aggregateRow
		if err := rows.Scan(&r.PeriodStart, &r.Channel, &r.Avg, &r.Min, &r.Max, &r.Count); err != nil {
			return nil, models.NewPersistenceError(OpReadAggregates, fmt.Errorf("failed to scan aggregate: %w", err))
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewPersistenceError(OpReadAggregates, err)
	}
	return groupAggregates(out), nil
}

// UpsertCropProfile inserts or replaces a crop profile
func (db *ClickHouseDB) UpsertCropProfile(ctx context.Context, crop models.CropProfile) error {
	optimal := make(map[string]float64, len(crop.Optimal))
	for ch, v := range crop.Optimal {
		optimal[string(ch)] = v
	}
	batch, err := db.conn.PrepareBatch(ctx, "INSERT INTO crop_profiles")
	if err != nil {
		return models.NewPersistenceError("upsert_crop", fmt.Errorf("failed to prepare batch: %w", err))
	}
	if err := batch.Append(crop.ID, crop.Name, crop.IsRegistered, optimal, time.Now()); err != nil {
		return models.NewPersistenceError("upsert_crop", fmt.Errorf("failed to append crop: %w", err))
	}
	if err := batch.Send(); err != nil {
		return models.NewPersistenceError("upsert_crop", fmt.Errorf("failed to upsert crop %s: %w", crop.ID, err))
	}
	return nil
}

// cropProfilesQuery joins each crop with its score from the newest prediction
// that scored it
const cropProfilesQuery = `
		SELECT p.crop_id, p.name, p.is_registered, p.optimal, s.score, s.scored
		FROM (SELECT crop_id, name, is_registered, optimal FROM crop_profiles FINAL) AS p
		LEFT JOIN (
			SELECT crop_id, argMax(crop_score, timestamp) AS score, toUInt8(1) AS scored
			FROM prediction_records
			ARRAY JOIN mapKeys(crop_scores) AS crop_id, mapValues(crop_scores) AS crop_score
			GROUP BY crop_id
		) AS s ON p.crop_id = s.crop_id
		ORDER BY p.crop_id
	`

// ReadCropProfiles returns every crop profile with its score from the latest
// prediction that included it
func (db *ClickHouseDB) ReadCropProfiles(ctx context.Context) ([]models.CropProfile, error) {
	rows, err := db.conn.Query(ctx, cropProfilesQuery)
	if err != nil {
		return nil, models.NewPersistenceError(OpReadCrops, fmt.Errorf("failed to query crop profiles: %w", err))
	}
	defer rows.Close()

	var crops []models.CropProfile
	for rows.Next() {
		var (
			crop    models.CropProfile
			optimal map[string]float64
			score   int32
			scored  uint8
		)
		if err := rows.Scan(&crop.ID, &crop.Name, &crop.IsRegistered, &optimal, &score, &scored); err != nil {
			return nil, models.NewPersistenceError(OpReadCrops, fmt.Errorf("failed to scan crop profile: %w", err))
		}
		crop.Optimal = make(map[models.Channel]float64, len(optimal))
		for k, v := range optimal {
			crop.Optimal[models.Channel(k)] = v
		}
		if scored == 1 {
			s := int(score)
			crop.LastScore = &s
		}
		crops = append(crops, crop)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewPersistenceError(OpReadCrops, err)
	}
	return crops, nil
}

// UpsertEpisode inserts or replaces a planting episode
func (db *ClickHouseDB) UpsertEpisode(ctx context.Context, ep models.Episode) error {
	row, err := newEpisodeRow(ep)
	if err != nil {
		return err
	}
	batch, err := db.conn.PrepareBatch(ctx, "INSERT INTO planting_episodes")
	if err != nil {
		return models.NewPersistenceError("upsert_episode", fmt.Errorf("failed to prepare batch: %w", err))
	}
	if err := batch.Append(row.ID, row.CropID, row.Status, row.StartDate, row.EndDate,
		row.FinalSummary, row.SuccessRate, row.Trained, nextVersion()); err != nil {
		return models.NewPersistenceError("upsert_episode", fmt.Errorf("failed to append episode: %w", err))
	}
	if err := batch.Send(); err != nil {
		return models.NewPersistenceError("upsert_episode", fmt.Errorf("failed to upsert episode %s: %w", ep.ID, err))
	}
	return nil
}

// ReadHarvestedEpisodes returns harvested episodes, most recently finished first
func (db *ClickHouseDB) ReadHarvestedEpisodes(ctx context.Context, limit int) ([]models.Episode, error) {
	query := `
		SELECT episode_id, crop_id, status, start_date, end_date, final_summary, success_rate, trained_for_model
		FROM planting_episodes FINAL
		WHERE status = ?
		ORDER BY end_date DESC, episode_id
	`
	args := []any{models.EpisodeHarvested}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, models.NewPersistenceError(OpReadEpisodes, fmt.Errorf("failed to query episodes: %w", err))
	}
	defer rows.Close()

	var episodes []models.Episode
	for rows.Next() {
		var r episodeRow
		if err := rows.Scan(&r.ID, &r.CropID, &r.Status, &r.StartDate, &r.EndDate,
			&r.FinalSummary, &r.SuccessRate, &r.Trained); err != nil {
			return nil, models.NewPersistenceError(OpReadEpisodes, fmt.Errorf("failed to scan episode: %w", err))
		}
		ep, err := r.episode()
		if err != nil {
			db.log.Warnf("ClickHouse: skipping episode %s: %v", r.ID, err)
			continue
		}
		episodes = append(episodes, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewPersistenceError(OpReadEpisodes, err)
	}
	return episodes, nil
}

// MarkEpisodesTrained re-inserts the episodes with the flag set, in one statement
func (db *ClickHouseDB) MarkEpisodesTrained(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		INSERT INTO planting_episodes
		SELECT episode_id, crop_id, status, start_date, end_date, final_summary, success_rate, true, ?
		FROM planting_episodes FINAL
		WHERE episode_id IN ?
	`
	if err := db.conn.Exec(ctx, query, nextVersion(), ids); err != nil {
		return models.NewPersistenceError(OpMarkEpisodes, fmt.Errorf("failed to mark episodes trained: %w", err))
	}
	return nil
}

// CommitPrediction writes the record and the crops' last scores as one row
func (db *ClickHouseDB) CommitPrediction(ctx context.Context, record models.PredictionRecord, lastScores map[string]int) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return models.NewPersistenceError(OpCommitPrediction, fmt.Errorf("failed to marshal prediction: %w", err))
	}
	scores := make(map[string]int32, len(lastScores))
	for id, s := range lastScores {
		scores[id] = int32(s)
	}
	topCrop := ""
	if record.TopOverall != nil {
		topCrop = record.TopOverall.CropID
	}

	batch, err := db.conn.PrepareBatch(ctx, "INSERT INTO prediction_records")
	if err != nil {
		return models.NewPersistenceError(OpCommitPrediction, fmt.Errorf("failed to prepare batch: %w", err))
	}
	if err := batch.Append(
		record.ID,
		record.Timestamp,
		topCrop,
		record.Quality.Bucket,
		record.ModelInfo.Degraded,
		record.ModelInfo.Version,
		scores,
		string(payload),
	); err != nil {
		return models.NewPersistenceError(OpCommitPrediction, fmt.Errorf("failed to append prediction: %w", err))
	}
	if err := batch.Send(); err != nil {
		return models.NewPersistenceError(OpCommitPrediction, fmt.Errorf("failed to insert prediction: %w", err))
	}

	db.log.Debugf("ClickHouse: saved prediction %s (top=%s, quality=%s)", record.ID, topCrop, record.Quality.Bucket)
	return nil
}

// predictionHistoryQuery joins each prediction with the newest outcome that
// referenced it
const predictionHistoryQuery = `
		SELECT p.payload, o.last_outcome_id, o.last_crop_id, o.last_score, o.last_recorded_at
		FROM prediction_records AS p
		LEFT JOIN (
			SELECT prediction_id,
				argMax(outcome_id, recorded_at) AS last_outcome_id,
				argMax(crop_id, recorded_at) AS last_crop_id,
				argMax(score, recorded_at) AS last_score,
				max(recorded_at) AS last_recorded_at
			FROM crop_outcomes
			WHERE prediction_id != ''
			GROUP BY prediction_id
		) AS o ON p.prediction_id = o.prediction_id
		ORDER BY p.timestamp DESC
	`

// ReadPredictions returns the most recent prediction records, newest first,
// annotated with their outcomes. limit <= 0 returns all.
func (db *ClickHouseDB) ReadPredictions(ctx context.Context, limit int) ([]models.PredictionRecord, error) {
	query := predictionHistoryQuery
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, models.NewPersistenceError("read_predictions", fmt.Errorf("failed to query predictions: %w", err))
	}
	defer rows.Close()

	var records []models.PredictionRecord
	for rows.Next() {
		var (
			payload string
			outcome models.Outcome
		)
		if err := rows.Scan(&payload, &outcome.ID, &outcome.CropID, &outcome.Score, &outcome.RecordedAt); err != nil {
			return nil, models.NewPersistenceError("read_predictions", fmt.Errorf("failed to scan prediction: %w", err))
		}
		var record models.PredictionRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			db.log.Warnf("ClickHouse: skipping unreadable prediction payload: %v", err)
			continue
		}
		if outcome.ID != "" {
			outcome.PredictionID = record.ID
			record.Outcome = &outcome
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewPersistenceError("read_predictions", err)
	}
	return records, nil
}

// ReadTrials returns every trial with its latest flag, oldest first
func (db *ClickHouseDB) ReadTrials(ctx context.Context) ([]models.TrainingTrial, error) {
	query := `
		SELECT trial_id, trained_at, metrics, trial_score, is_best, samples, duration_ms
		FROM training_trials FINAL
		ORDER BY trained_at, trial_id
	`
	rows, err := db.conn.Query(ctx, query)
	if err != nil {
		return nil, models.NewPersistenceError(OpReadTrials, fmt.Errorf("failed to query trials: %w", err))
	}
	defer rows.Close()

	var trials []models.TrainingTrial
	for rows.Next() {
		var (
			t          models.TrainingTrial
			metrics    string
			samples    uint32
			durationMs int64
		)
		if err := rows.Scan(&t.ID, &t.TrainedAt, &metrics, &t.TrialScore, &t.IsBest, &samples, &durationMs); err != nil {
			return nil, models.NewPersistenceError(OpReadTrials, fmt.Errorf("failed to scan trial: %w", err))
		}
		if err := json.Unmarshal([]byte(metrics), &t.Metrics); err != nil {
			return nil, models.NewPersistenceError(OpReadTrials, fmt.Errorf("failed to decode metrics of trial %s: %w", t.ID, err))
		}
		t.Samples = int(samples)
		t.Duration = time.Duration(durationMs) * time.Millisecond
		trials = append(trials, t)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewPersistenceError(OpReadTrials, err)
	}
	return trials, nil
}

// CommitTrials writes the new trial and every flipped flag in one insert block
// sharing a single version
func (db *ClickHouseDB) CommitTrials(ctx context.Context, trials []models.TrainingTrial) error {
	if len(trials) == 0 {
		return nil
	}
	version := nextVersion()
	batch, err := db.conn.PrepareBatch(ctx, "INSERT INTO training_trials")
	if err != nil {
		return models.NewPersistenceError(OpCommitTrials, fmt.Errorf("failed to prepare batch: %w", err))
	}
	for _, t := range trials {
		metrics, err := json.Marshal(t.Metrics)
		if err != nil {
			return models.NewPersistenceError(OpCommitTrials, fmt.Errorf("failed to marshal metrics: %w", err))
		}
		if err := batch.Append(
			t.ID,
			t.TrainedAt,
			string(metrics),
			t.TrialScore,
			t.IsBest,
			uint32(t.Samples),
			t.Duration.Milliseconds(),
			version,
		); err != nil {
			return models.NewPersistenceError(OpCommitTrials, fmt.Errorf("failed to append trial: %w", err))
		}
	}
	if err := batch.Send(); err != nil {
		return models.NewPersistenceError(OpCommitTrials, fmt.Errorf("failed to insert trials: %w", err))
	}
	return nil
}

// CommitOutcome appends to the outcome log and notifies subscribers. The
// prediction annotation is read back from the same rows, so one insert
// covers both.
func (db *ClickHouseDB) CommitOutcome(ctx context.Context, outcome models.Outcome) error {
	batch, err := db.conn.PrepareBatch(ctx, "INSERT INTO crop_outcomes")
	if err != nil {
		return models.NewPersistenceError(OpCommitOutcome, fmt.Errorf("failed to prepare batch: %w", err))
	}
	if err := batch.Append(outcome.ID, outcome.CropID, outcome.PredictionID, outcome.Score, outcome.RecordedAt); err != nil {
		return models.NewPersistenceError(OpCommitOutcome, fmt.Errorf("failed to append outcome: %w", err))
	}
	if err := batch.Send(); err != nil {
		return models.NewPersistenceError(OpCommitOutcome, fmt.Errorf("failed to insert outcome: %w", err))
	}

	db.hub.publish(outcome)
	return nil
}

// OnOutcomeRecorded registers a callback invoked after each CommitOutcome
func (db *ClickHouseDB) OnOutcomeRecorded(fn func(models.Outcome)) {
	db.hub.subscribe(fn)
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		if err := db.conn.Close(); err != nil {
			return fmt.Errorf("failed to close ClickHouse connection: %w", err)
		}
		db.log.Info("ClickHouse connection closed")
	}
	return nil
}

// nextVersion orders ReplacingMergeTree rows written by this process
func nextVersion() uint64 {
	return uint64(time.Now().UnixNano())
}
