package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "mileage_ledger.cfg.json"

// DBConfig holds Postgres connection settings
type DBConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
	MaxConns int    `json:"maxConns" mapstructure:"maxConns"`
}

// SQLiteConfig holds local SQLite settings. An empty Path means in-memory.
type SQLiteConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// StorageConfig selects the store backend
type StorageConfig struct {
	Type   string       `json:"type" mapstructure:"type"`
	SQLite SQLiteConfig `json:"sqlite" mapstructure:"sqlite"`
}

// RouteConfig is the standard route: two ordered mark sequences over one corridor.
type RouteConfig struct {
	Outbound      []string `json:"outbound" mapstructure:"outbound"`
	Inbound       []string `json:"inbound" mapstructure:"inbound"`
	InboundOffset int      `json:"inboundOffset" mapstructure:"inboundOffset"`
	Duplicates    string   `json:"duplicates" mapstructure:"duplicates"`
}

// AggregateConfig sizes the per-vehicle worker pool.
type AggregateConfig struct {
	MaxThreadsMultiplier int `json:"maxThreadsMultiplier" mapstructure:"maxThreadsMultiplier"`
}

// StagingConfig controls the import pipeline.
type StagingConfig struct {
	TimeLayout      string `json:"timeLayout" mapstructure:"timeLayout"`
	InsertBatchSize int    `json:"insertBatchSize" mapstructure:"insertBatchSize"`
}

// InfluxConfig holds InfluxDB metrics sink settings
type InfluxConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	Host       string `json:"host" mapstructure:"host"`
	Port       string `json:"port" mapstructure:"port"`
	Protocol   string `json:"protocol" mapstructure:"protocol"`
	Token      string `json:"token" mapstructure:"token"`
	Org        string `json:"org" mapstructure:"org"`
	Bucket     string `json:"bucket" mapstructure:"bucket"`
	BackupPath string `json:"backupPath" mapstructure:"backupPath"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled        bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName    string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout   time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint       string        `json:"endpoint" mapstructure:"endpoint"`
	MetricEndpoint string        `json:"metricEndpoint" mapstructure:"metricEndpoint"`
	Insecure       bool          `json:"insecure" mapstructure:"insecure"`
}

// Config is the full application configuration. It is built once by Load and
// handed to constructors explicitly.
type Config struct {
	LogLevel  string
	LogsDir   string
	DB        DBConfig
	Storage   StorageConfig
	Route     RouteConfig
	Aggregate AggregateConfig
	Staging   StagingConfig
	Influx    InfluxConfig
	OTel      OTelConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")
	v.SetDefault("logsDir", "./ledgerlogs")

	v.SetDefault("storage.type", "postgres")
	v.SetDefault("storage.sqlite.path", "")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.username", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.database", "vehicle_db")
	v.SetDefault("db.maxConns", 32)

	v.SetDefault("route.outbound", []string{"K0001+000", "K0100+000", "K0200+000", "K0300+000"})
	v.SetDefault("route.inbound", []string{"K0001+300", "K0100+300", "K0200+300", "K0300+300"})
	v.SetDefault("route.inboundOffset", 10000)
	v.SetDefault("route.duplicates", "reject")

	v.SetDefault("aggregate.maxThreadsMultiplier", 4)

	v.SetDefault("staging.timeLayout", "2006/01/02 15:04")
	v.SetDefault("staging.insertBatchSize", 2000)

	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.host", "localhost")
	v.SetDefault("influx.port", "8086")
	v.SetDefault("influx.protocol", "http")
	v.SetDefault("influx.token", "supersecrettoken")
	v.SetDefault("influx.org", "mileage-ledger")
	v.SetDefault("influx.bucket", "ledger_metrics")
	v.SetDefault("influx.backupPath", "./ledgerlogs/influx_backup.lp.gz")

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.serviceName", "mileage-ledger")
	v.SetDefault("otel.batchTimeout", "5s")
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.metricEndpoint", "")
	v.SetDefault("otel.insecure", true)
}

// Load reads configuration from the JSON file in configDir on top of the
// defaults. A missing file is an error; callers may fall back to Defaults.
func Load(configDir string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(FileName)
	v.AddConfigPath(configDir)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return fromViper(v), fmt.Errorf("error reading config file: %w", err)
	}

	return fromViper(v), nil
}

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) Config {
	return Config{
		LogLevel: v.GetString("logLevel"),
		LogsDir:  v.GetString("logsDir"),
		DB: DBConfig{
			Host:     v.GetString("db.host"),
			Port:     v.GetString("db.port"),
			Username: v.GetString("db.username"),
			Password: v.GetString("db.password"),
			Database: v.GetString("db.database"),
			MaxConns: v.GetInt("db.maxConns"),
		},
		Storage: StorageConfig{
			Type: v.GetString("storage.type"),
			SQLite: SQLiteConfig{
				Path: v.GetString("storage.sqlite.path"),
			},
		},
		Route: RouteConfig{
			Outbound:      v.GetStringSlice("route.outbound"),
			Inbound:       v.GetStringSlice("route.inbound"),
			InboundOffset: v.GetInt("route.inboundOffset"),
			Duplicates:    v.GetString("route.duplicates"),
		},
		Aggregate: AggregateConfig{
			MaxThreadsMultiplier: v.GetInt("aggregate.maxThreadsMultiplier"),
		},
		Staging: StagingConfig{
			TimeLayout:      v.GetString("staging.timeLayout"),
			InsertBatchSize: v.GetInt("staging.insertBatchSize"),
		},
		Influx: InfluxConfig{
			Enabled:    v.GetBool("influx.enabled"),
			Host:       v.GetString("influx.host"),
			Port:       v.GetString("influx.port"),
			Protocol:   v.GetString("influx.protocol"),
			Token:      v.GetString("influx.token"),
			Org:        v.GetString("influx.org"),
			Bucket:     v.GetString("influx.bucket"),
			BackupPath: v.GetString("influx.backupPath"),
		},
		OTel: OTelConfig{
			Enabled:        v.GetBool("otel.enabled"),
			ServiceName:    v.GetString("otel.serviceName"),
			BatchTimeout:   v.GetDuration("otel.batchTimeout"),
			Endpoint:       v.GetString("otel.endpoint"),
			MetricEndpoint: v.GetString("otel.metricEndpoint"),
			Insecure:       v.GetBool("otel.insecure"),
		},
	}
}

// InfluxURL returns the server URL built from protocol, host and port.
func (c InfluxConfig) InfluxURL() string {
	return fmt.Sprintf("%s://%s:%s", c.Protocol, c.Host, c.Port)
}

// DSN returns the Postgres connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		c.Host, c.Port, c.Username, c.Password, c.Database)
}
