package server

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration from environment variables.
type Config struct {
	Port                string
	GRPCPort            string
	APIKey              string
	AllowInsecureNoAuth bool
	AWSRegion           string
	AWSEndpointURL      string // For LocalStack
	DynamoDBTable       string
	SQSQueuePrefix      string
	UseFIFO             bool
	Store               string // "dynamo" or "memory"
	Queues              []string
	ConsumerConcurrency int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	IdleTimeout         time.Duration
	ShutdownTimeout     time.Duration
}

// LoadConfig reads configuration from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		Port:                getEnv("RELAY_PORT", "8080"),
		GRPCPort:            getEnv("RELAY_GRPC_PORT", "9090"),
		APIKey:              getEnv("RELAY_API_KEY", ""),
		AllowInsecureNoAuth: getEnvBool("RELAY_ALLOW_INSECURE_NO_AUTH", false),
		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointURL:      getEnv("AWS_ENDPOINT_URL", ""), // Empty = real AWS
		DynamoDBTable:       getEnv("DYNAMODB_TABLE", "taskrelay"),
		SQSQueuePrefix:      getEnv("SQS_QUEUE_PREFIX", "taskrelay"),
		UseFIFO:             getEnvBool("SQS_USE_FIFO", false),
		Store:               getEnv("RELAY_STORE", "dynamo"),
		Queues:              getEnvList("RELAY_QUEUES", []string{"default"}),
		ConsumerConcurrency: getEnvInt("RELAY_CONSUMER_CONCURRENCY", 4),
		ReadTimeout:         getEnvDuration("RELAY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:        getEnvDuration("RELAY_WRITE_TIMEOUT", 0), // 0 keeps SSE streams open
		IdleTimeout:         getEnvDuration("RELAY_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:     getEnvDuration("RELAY_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
