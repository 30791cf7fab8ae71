// Package config loads the process configuration from VSM_* environment
// variables. Both binaries (master and slave) share the same struct — each
// one simply ignores the fields it does not use. Command-line flags defined
// in cmd/ override the bind address, port, TLS paths and log level.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Allocator backend selection values for VSM_ALLOCATOR.
const (
	AllocatorUnicore = "UNICORE"
	AllocatorAWS     = "AWS"
	AllocatorTest    = "TEST"
)

// Registry backend selection values for VSM_DB_BACKEND.
const (
	RegistrySQLite   = "sqlite"
	RegistryPostgres = "postgres"
	RegistryDynamoDB = "dynamodb"
)

// Config holds every tunable of the master and slave services.
type Config struct {
	// Process
	Host     string `env:"VSM_HOST" envDefault:"127.0.0.1"`
	Port     int    `env:"VSM_PORT" envDefault:"4444"`
	TLSCert  string `env:"VSM_SSL_CRT"`
	TLSKey   string `env:"VSM_SSL_KEY"`
	LogLevel string `env:"VSM_LOG_LEVEL" envDefault:"info"`

	// Registry
	DBBackend  string `env:"VSM_DB_BACKEND" envDefault:"sqlite"`
	DBHost     string `env:"VSM_DB_HOST" envDefault:"localhost"`
	DBName     string `env:"VSM_DB_NAME" envDefault:"vsm"`
	DBUsername string `env:"VSM_DB_USERNAME"`
	DBPassword string `env:"VSM_DB_PASSWORD"`
	// DBPath is the database file location for the sqlite backend.
	DBPath string `env:"VSM_DB_PATH" envDefault:"./vsm.db"`
	// DBTable is the table name for the dynamodb backend.
	DBTable string `env:"VSM_DB_TABLE" envDefault:"jobs"`

	// Scheduler
	Allocator             string `env:"VSM_ALLOCATOR" envDefault:"TEST"`
	JobDurationSeconds    int    `env:"VSM_JOB_DURATION_SECONDS" envDefault:"28800"`
	CleanupPeriodSeconds  int    `env:"VSM_JOB_CLEANUP_PERIOD_SECONDS" envDefault:"10"`
	ProxyURL              string `env:"VSM_PROXY_URL" envDefault:"ws://localhost:8888"`

	// Identity provider
	AuthEnabled     bool   `env:"VSM_AUTH_ENABLED" envDefault:"false"`
	AuthUserInfoURL string `env:"VSM_AUTH_USER_INFO_URL"`
	AuthHost        string `env:"VSM_AUTH_HOST"`

	// Backend ports used by the slave proxy and the AWS health probe.
	RendererPort int `env:"VSM_RENDERER_PORT" envDefault:"5000"`
	BackendPort  int `env:"VSM_BACKEND_PORT" envDefault:"8000"`
	HealthPort   int `env:"VSM_HEALTH_PORT" envDefault:"5000"`

	// AWS allocator
	AWSTaskDefinition   string   `env:"VSM_AWS_TASK_DEFINITION"`
	AWSCluster          string   `env:"VSM_AWS_CLUSTER"`
	AWSSubnets          []string `env:"VSM_AWS_SUBNETS" envSeparator:","`
	AWSSecurityGroups   []string `env:"VSM_AWS_SECURITY_GROUPS" envSeparator:","`
	AWSCapacityProvider string   `env:"VSM_AWS_CAPACITY_PROVIDER"`
	AWSBucketName       string   `env:"VSM_AWS_BUCKET_NAME"`
	AWSBucketMountPath  string   `env:"VSM_AWS_BUCKET_MOUNT_PATH"`
	AWSContainerName    string   `env:"VSM_AWS_CONTAINER_NAME" envDefault:"viz_brayns"`

	// UNICORE allocator
	UnicoreEndpoint  string `env:"VSM_UNICORE_ENDPOINT"`
	UnicoreCAFile    string `env:"VSM_UNICORE_CA_FILE" envDefault:"/tmp/ca.pem"`
	UnicoreDNSSuffix string `env:"VSM_UNICORE_DNS_SUFFIX" envDefault:"bbp.epfl.ch"`
	// UnicoreUseCases points at a JSON file of job templates. Empty means the
	// set embedded in the binary.
	UnicoreUseCases string `env:"VSM_UNICORE_USE_CASES"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	return cfg, nil
}

// JobDuration is the planned lifetime of a job from insertion to expiry.
func (c *Config) JobDuration() time.Duration {
	return time.Duration(c.JobDurationSeconds) * time.Second
}

// CleanupPeriod is the interval between two reaper scans.
func (c *Config) CleanupPeriod() time.Duration {
	return time.Duration(c.CleanupPeriodSeconds) * time.Second
}

// PostgresDSN builds the connection string for the postgres registry backend.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s dbname=%s user=%s password=%s sslmode=disable",
		c.DBHost, c.DBName, c.DBUsername, c.DBPassword)
}
