package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the fitflow service.
type Config struct {
	LogLevel     string
	HTTPAddr     string
	MetricsAddr  string
	OTelEndpoint string

	// StoreDSN selects the local persistent store: bolt:///path,
	// redis://host:port/db or memory://.
	StoreDSN       string
	StoreNamespace string

	Source          string // file | kafka
	SourceFile      string
	KafkaBrokers    string
	SourceTopic     string
	SourcePartition int
	SourceBatch     int

	Cloud       string // memory | postgres
	PostgresDSN string
	UserID      string

	NotifyDispatcher string // log | kafka
	NotifyTopic      string
	Timezone         string

	Workers     int
	MaxAttempts int
	Retention   time.Duration

	BackgroundBudget time.Duration
	NetworkProbeAddr string
	LeaderElection   bool

	SyncRateLimit  int
	SyncRateWindow time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		HTTPAddr:     v.GetString("http_addr"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		StoreDSN:       v.GetString("store_dsn"),
		StoreNamespace: v.GetString("store_namespace"),

		Source:          v.GetString("source"),
		SourceFile:      v.GetString("source_file"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		SourceTopic:     v.GetString("source_topic"),
		SourcePartition: v.GetInt("source_partition"),
		SourceBatch:     v.GetInt("source_batch"),

		Cloud:       v.GetString("cloud"),
		PostgresDSN: v.GetString("postgres_dsn"),
		UserID:      v.GetString("user_id"),

		NotifyDispatcher: v.GetString("notify_dispatcher"),
		NotifyTopic:      v.GetString("notify_topic"),
		Timezone:         v.GetString("timezone"),

		Workers:     v.GetInt("workers"),
		MaxAttempts: v.GetInt("max_attempts"),
		Retention:   v.GetDuration("retention"),

		BackgroundBudget: v.GetDuration("background_budget"),
		NetworkProbeAddr: v.GetString("network_probe_addr"),
		LeaderElection:   v.GetBool("leader_election"),

		SyncRateLimit:  v.GetInt("sync_rate_limit"),
		SyncRateWindow: v.GetDuration("sync_rate_window"),
	}
}

// Brokers splits KafkaBrokers on commas, dropping empty entries.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Location resolves Timezone, defaulting to the host's local zone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate rejects combinations the service cannot start with.
func (c Config) Validate() error {
	switch c.Source {
	case "file":
		if c.SourceFile == "" {
			return fmt.Errorf("source_file is required for the file source")
		}
	case "kafka":
		if len(c.Brokers()) == 0 || c.SourceTopic == "" {
			return fmt.Errorf("kafka_brokers and source_topic are required for the kafka source")
		}
	default:
		return fmt.Errorf("unknown source %q (want file or kafka)", c.Source)
	}
	switch c.Cloud {
	case "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required for the postgres cloud backend")
		}
	default:
		return fmt.Errorf("unknown cloud backend %q (want memory or postgres)", c.Cloud)
	}
	switch c.NotifyDispatcher {
	case "log":
	case "kafka":
		if len(c.Brokers()) == 0 || c.NotifyTopic == "" {
			return fmt.Errorf("kafka_brokers and notify_topic are required for the kafka dispatcher")
		}
	default:
		return fmt.Errorf("unknown notify dispatcher %q (want log or kafka)", c.NotifyDispatcher)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.SyncRateLimit < 0 {
		return fmt.Errorf("sync_rate_limit must not be negative")
	}
	return nil
}
