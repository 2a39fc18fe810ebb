package database

// SQL schemas for all ClickHouse tables

const (
	// SensorAggregatesTableSQL creates the sensor_aggregates table, one row per channel per period
	SensorAggregatesTableSQL = `
		CREATE TABLE IF NOT EXISTS sensor_aggregates (
			period_start DateTime64(3),
			channel LowCardinality(String),
			avg_value Nullable(Float64),
			min_value Nullable(Float64),
			max_value Nullable(Float64),
			sample_count UInt32
		) ENGINE = ReplacingMergeTree()
		ORDER BY (period_start, channel)
		PARTITION BY toYYYYMM(period_start)
	`

	// CropProfilesTableSQL creates the crop_profiles table
	CropProfilesTableSQL = `
		CREATE TABLE IF NOT EXISTS crop_profiles (
			crop_id String,
			name String,
			is_registered Bool,
			optimal Map(String, Float64),
			updated_at DateTime64(3)
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY crop_id
	`

	// PlantingEpisodesTableSQL creates the planting_episodes table.
	// trained_for_model flips are new rows with a higher version.
	PlantingEpisodesTableSQL = `
		CREATE TABLE IF NOT EXISTS planting_episodes (
			episode_id String,
			crop_id String,
			status LowCardinality(String),
			start_date DateTime64(3),
			end_date DateTime64(3),
			final_summary String,
			success_rate Nullable(Float64),
			trained_for_model Bool,
			version UInt64
		) ENGINE = ReplacingMergeTree(version)
		ORDER BY episode_id
	`

	// PredictionRecordsTableSQL creates the prediction_records table. crop_scores
	// carries every crop's score so the record and the crops' last scores are
	// written by a single insert.
	PredictionRecordsTableSQL = `
		CREATE TABLE IF NOT EXISTS prediction_records (
			prediction_id String,
			timestamp DateTime64(3),
			top_crop_id String,
			quality_bucket LowCardinality(String),
			degraded Bool,
			model_version String,
			crop_scores Map(String, Int32),
			payload String
		) ENGINE = MergeTree()
		ORDER BY timestamp
		PARTITION BY toYYYYMM(timestamp)
	`

	// CropOutcomesTableSQL creates the crop_outcomes table, the append-only outcome log.
	// Prediction annotations are the newest row per prediction_id.
	CropOutcomesTableSQL = `
		CREATE TABLE IF NOT EXISTS crop_outcomes (
			outcome_id String,
			crop_id String,
			prediction_id String,
			score Float64,
			recorded_at DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY (crop_id, recorded_at)
		PARTITION BY toYYYYMM(recorded_at)
	`

	// TrainingTrialsTableSQL creates the training_trials table. is_best flips
	// are new rows with a higher version, committed in the same batch as the trial.
	TrainingTrialsTableSQL = `
		CREATE TABLE IF NOT EXISTS training_trials (
			trial_id String,
			trained_at DateTime64(3),
			metrics String,
			trial_score Float64,
			is_best Bool,
			samples UInt32,
			duration_ms Int64,
			version UInt64
		) ENGINE = ReplacingMergeTree(version)
		ORDER BY trial_id
	`
)

// AllTables returns all table creation SQL statements
func AllTables() []string {
	return []string{
		SensorAggregatesTableSQL,
		CropProfilesTableSQL,
		PlantingEpisodesTableSQL,
		PredictionRecordsTableSQL,
		CropOutcomesTableSQL,
		TrainingTrialsTableSQL,
	}
}
