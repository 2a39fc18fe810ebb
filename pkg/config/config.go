package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"cropcast-backend/internal/database"
	"cropcast-backend/internal/engine"
	"cropcast-backend/internal/mqtt"
	"cropcast-backend/internal/notify"
	"cropcast-backend/internal/services"
)

// Store backends
const (
	StoreClickHouse = "clickhouse"
	StoreMemory     = "memory"
)

type Config struct {
	// Storage
	Store          string
	ClickHouseAddr string
	ClickHouseDB   string
	ClickHouseUser string
	ClickHousePass string

	// MQTT Configuration
	MQTTBroker       string
	MQTTClientID     string
	MQTTUsername     string
	MQTTPassword     string
	MQTTTopicSensors string
	MQTTTopicOutcome string
	MQTTTopicEvents  string

	// Redis (optional, empty URL disables)
	RedisURL     string
	RedisChannel string

	// Observability
	MetricsAddr    string
	LogLevel       string
	LogDevelopment bool

	// Model and prediction
	ModelPath                 string
	AggregatePeriod           time.Duration
	LookbackPeriods           int
	BlockPredictWhileTraining bool
	PredictInterval           time.Duration
	FlushInterval             time.Duration

	// Training
	MinTrainingSamples int
	MaxEpochs          int
	Patience           int
	BatchSize          int
	LearningRate       float64
	ValidationSplit    float64
	EpisodeLimit       int

	// Retrain scheduling
	RetrainThreshold int
	RetrainDelay     time.Duration

	// Warnings collects values that failed to parse and fell back to defaults
	Warnings []string
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	c := &Config{}
	c.Store = getEnv("STORE", StoreClickHouse)
	c.ClickHouseAddr = getEnv("CLICKHOUSE_ADDR", "localhost:9000")
	c.ClickHouseDB = getEnv("CLICKHOUSE_DB", "cropcast")
	c.ClickHouseUser = getEnv("CLICKHOUSE_USER", "default")
	c.ClickHousePass = getEnv("CLICKHOUSE_PASS", "")

	c.MQTTBroker = getEnv("MQTT_BROKER", "")
	c.MQTTClientID = getEnv("MQTT_CLIENT_ID", "cropcast-backend")
	c.MQTTUsername = getEnv("MQTT_USERNAME", "")
	c.MQTTPassword = getEnv("MQTT_PASSWORD", "")
	c.MQTTTopicSensors = getEnv("MQTT_TOPIC_SENSORS", "crop/sensors/+/+")
	c.MQTTTopicOutcome = getEnv("MQTT_TOPIC_OUTCOME", "crop/+/outcome")
	c.MQTTTopicEvents = getEnv("MQTT_TOPIC_EVENTS", "cropcast/events/{kind}")

	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisChannel = getEnv("REDIS_CHANNEL", "cropcast:events")

	c.MetricsAddr = getEnv("METRICS_ADDR", ":9090")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogDevelopment = c.getEnvBool("LOG_DEVELOPMENT", false)

	c.ModelPath = getEnv("MODEL_PATH", "./model/forecast_model.json")
	c.AggregatePeriod = c.getEnvDuration("AGGREGATE_PERIOD", time.Hour)
	c.LookbackPeriods = c.getEnvInt("LOOKBACK_PERIODS", 48)
	c.BlockPredictWhileTraining = c.getEnvBool("BLOCK_PREDICT_WHILE_TRAINING", false)
	c.PredictInterval = c.getEnvDuration("PREDICT_INTERVAL", time.Hour)
	c.FlushInterval = c.getEnvDuration("FLUSH_INTERVAL", time.Minute)

	c.MinTrainingSamples = c.getEnvInt("MIN_TRAINING_SAMPLES", 10)
	c.MaxEpochs = c.getEnvInt("MAX_EPOCHS", 200)
	c.Patience = c.getEnvInt("PATIENCE", 20)
	c.BatchSize = c.getEnvInt("BATCH_SIZE", 16)
	c.LearningRate = c.getEnvFloat("LEARNING_RATE", 3e-4)
	c.ValidationSplit = c.getEnvFloat("VALIDATION_SPLIT", 0.2)
	c.EpisodeLimit = c.getEnvInt("EPISODE_LIMIT", 500)

	c.RetrainThreshold = c.getEnvInt("RETRAIN_THRESHOLD", 1)
	c.RetrainDelay = c.getEnvDuration("RETRAIN_DELAY", 0)
	return c
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	switch c.Store {
	case StoreClickHouse, StoreMemory:
	default:
		return fmt.Errorf("unknown STORE %q (want %s or %s)", c.Store, StoreClickHouse, StoreMemory)
	}
	if c.AggregatePeriod <= 0 {
		return fmt.Errorf("AGGREGATE_PERIOD must be positive, got %v", c.AggregatePeriod)
	}
	if c.ValidationSplit <= 0 || c.ValidationSplit >= 1 {
		return fmt.Errorf("VALIDATION_SPLIT must be in (0, 1), got %v", c.ValidationSplit)
	}
	if c.MinTrainingSamples < 2 {
		return fmt.Errorf("MIN_TRAINING_SAMPLES must be at least 2, got %d", c.MinTrainingSamples)
	}
	if c.RetrainThreshold < 1 {
		return fmt.Errorf("RETRAIN_THRESHOLD must be at least 1, got %d", c.RetrainThreshold)
	}
	return nil
}

// EngineConfig maps the environment onto engine, trainer and scheduler settings
func (c *Config) EngineConfig() engine.Config {
	ec := engine.DefaultConfig()
	ec.AggregatePeriod = c.AggregatePeriod
	ec.LookbackPeriods = c.LookbackPeriods
	ec.BlockPredictWhileTraining = c.BlockPredictWhileTraining

	ec.Training.MinSamples = c.MinTrainingSamples
	ec.Training.MaxEpochs = c.MaxEpochs
	ec.Training.Patience = c.Patience
	ec.Training.BatchSize = c.BatchSize
	ec.Training.ValidationSplit = c.ValidationSplit
	ec.Training.EpisodeLimit = c.EpisodeLimit
	ec.Training.Hyperparams.LearningRate = c.LearningRate

	ec.Scheduler.Threshold = c.RetrainThreshold
	ec.Scheduler.Delay = c.RetrainDelay
	return ec
}

func (c *Config) ClickHouseConfig() database.ClickHouseConfig {
	ch := database.DefaultClickHouseConfig()
	ch.Addr = c.ClickHouseAddr
	ch.Database = c.ClickHouseDB
	ch.Username = c.ClickHouseUser
	ch.Password = c.ClickHousePass
	return ch
}

func (c *Config) MQTTClientConfig() mqtt.ClientConfig {
	mc := mqtt.DefaultClientConfig()
	mc.Broker = c.MQTTBroker
	mc.ClientID = c.MQTTClientID
	mc.Username = c.MQTTUsername
	mc.Password = c.MQTTPassword
	return mc
}

func (c *Config) SubscriberConfig() mqtt.SubscriberConfig {
	sc := mqtt.DefaultSubscriberConfig()
	sc.SensorTopic = c.MQTTTopicSensors
	sc.OutcomeTopic = c.MQTTTopicOutcome
	return sc
}

func (c *Config) PublisherConfig() mqtt.PublisherConfig {
	pc := mqtt.DefaultPublisherConfig()
	pc.EventTopic = c.MQTTTopicEvents
	return pc
}

func (c *Config) RedisConfig() notify.RedisConfig {
	rc := notify.DefaultRedisConfig()
	rc.URL = c.RedisURL
	rc.Channel = c.RedisChannel
	return rc
}

func (c *Config) SensorServiceConfig() services.SensorServiceConfig {
	sc := services.DefaultSensorServiceConfig()
	sc.Period = c.AggregatePeriod
	sc.FlushInterval = c.FlushInterval
	return sc
}

func (c *Config) PredictionServiceConfig() services.PredictionServiceConfig {
	pc := services.DefaultPredictionServiceConfig()
	pc.Interval = c.PredictInterval
	return pc
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func (c *Config) getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		c.warnf("failed to parse %s as int, using default %d: %v", key, defaultValue, err)
		return defaultValue
	}
	return intValue
}

func (c *Config) getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		c.warnf("failed to parse %s as float, using default %v: %v", key, defaultValue, err)
		return defaultValue
	}
	return floatValue
}

func (c *Config) getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		c.warnf("failed to parse %s as bool, using default %v: %v", key, defaultValue, err)
		return defaultValue
	}
	return boolValue
}

func (c *Config) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		c.warnf("failed to parse %s as duration, using default %v: %v", key, defaultValue, err)
		return defaultValue
	}
	return d
}
