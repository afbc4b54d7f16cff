package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port               string
	DBConnectionString string
	MediaBucket        string
	AWSRegion          string
	QCSweepInterval    time.Duration
	QC                 *QCConfig
}

func Load() (*Config, error) {
	port := getEnv("PORT", "8080")
	dbConnStr := getEnv("DB_CONNECTION_STRING", "")
	mediaBucket := getEnv("MEDIA_BUCKET", "")
	awsRegion := getEnv("AWS_REGION", "us-east-1")

	sweepMinutes, err := strconv.Atoi(getEnv("QC_SWEEP_INTERVAL_MINUTES", "15"))
	if err != nil {
		return nil, err
	}

	qc, err := loadQCConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:               port,
		DBConnectionString: dbConnStr,
		MediaBucket:        mediaBucket,
		AWSRegion:          awsRegion,
		QCSweepInterval:    time.Duration(sweepMinutes) * time.Minute,
		QC:                 qc,
	}, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
