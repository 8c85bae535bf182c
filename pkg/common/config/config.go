package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	ServerPort   string
	ServerHost   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers        []string
	KafkaGroupID        string
	KafkaLifecycleTopic string
	KafkaRetrainTopic   string

	// Registry
	RegistrationTimeout time.Duration
	ProductionCacheTTL  time.Duration

	// Artifacts
	ArtifactDir string

	// Drift detection
	DriftSignificanceLevel float64
	DriftPSIThreshold      float64
	DriftMinSampleSize     int
	DriftMonitorConfigPath string
	DriftCheckInterval     time.Duration

	// Retraining triggers
	RetrainVolumeThreshold int64
	RetrainInterval        time.Duration
	TrainerTimeout         time.Duration

	// Promotion
	PromotionImprovementPct float64

	// Traffic routing
	ABMinSamplesPerVariant int64
	CanaryFraction         float64
	GradualStepInterval    time.Duration
}

func Load() *Config {
	return &Config{
		ServerPort:   getEnv("SERVER_PORT", "8080"),
		ServerHost:   getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 30*time.Second),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "modelops"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "modelops123"),
		PostgresDB:       getEnv("POSTGRES_DB", "modelops"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:        getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:        getEnv("KAFKA_GROUP_ID", "modelops-lifecycle"),
		KafkaLifecycleTopic: getEnv("KAFKA_LIFECYCLE_TOPIC", "model-lifecycle-events"),
		KafkaRetrainTopic:   getEnv("KAFKA_RETRAIN_TOPIC", "model-retrain-requests"),

		RegistrationTimeout: getDuration("REGISTRATION_TIMEOUT", 5*time.Second),
		ProductionCacheTTL:  getDuration("PRODUCTION_CACHE_TTL", 5*time.Minute),

		ArtifactDir: getEnv("ARTIFACT_DIR", "/var/lib/modelops/artifacts"),

		DriftSignificanceLevel: getFloatEnv("DRIFT_SIGNIFICANCE_LEVEL", 0.05),
		DriftPSIThreshold:      getFloatEnv("DRIFT_PSI_THRESHOLD", 0.2),
		DriftMinSampleSize:     getIntEnv("DRIFT_MIN_SAMPLE_SIZE", 30),
		DriftMonitorConfigPath: getEnv("DRIFT_MONITOR_CONFIG", ""),
		DriftCheckInterval:     getDuration("DRIFT_CHECK_INTERVAL", time.Hour),

		RetrainVolumeThreshold: int64(getIntEnv("RETRAIN_VOLUME_THRESHOLD", 1000)),
		RetrainInterval:        getDuration("RETRAIN_INTERVAL", 30*24*time.Hour),
		TrainerTimeout:         getDuration("TRAINER_TIMEOUT", 4*time.Hour),

		PromotionImprovementPct: getFloatEnv("PROMOTION_IMPROVEMENT_PCT", 5.0),

		ABMinSamplesPerVariant: int64(getIntEnv("AB_MIN_SAMPLES_PER_VARIANT", 100)),
		CanaryFraction:         getFloatEnv("CANARY_FRACTION", 0.05),
		GradualStepInterval:    getDuration("GRADUAL_STEP_INTERVAL", 24*time.Hour),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return []string{value}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
