package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "vibrouter.cfg.json"

// RouterConfig holds the dispatch schedule and initial operator controls.
type RouterConfig struct {
	DispatchInterval time.Duration
	SampleInterval   time.Duration
	Multiplier       float64
	Baseline         float64
	Passthru         bool
}

// ServerConfig holds the device server connection settings.
type ServerConfig struct {
	URL            string
	ClientName     string
	ScanOnConnect  bool
	RequestTimeout time.Duration
	Select         []string
}

// ChannelConfig holds the hook channel listener settings.
type ChannelConfig struct {
	Network        string
	Address        string
	ConnectTimeout time.Duration
}

// InjectorConfig holds the external injector helper invocation.
type InjectorConfig struct {
	Command string
	Args    []string
	Payload string
}

// SQLiteConfig holds SQLite storage settings.
// An empty Path keeps the database in memory; DumpPath then receives
// periodic snapshots.
type SQLiteConfig struct {
	Path         string        `json:"path" mapstructure:"path"`
	DumpPath     string        `json:"dumpPath" mapstructure:"dumpPath"`
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
}

// PostgresConfig holds Postgres storage settings.
type PostgresConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// StorageConfig selects and configures the session storage backend.
type StorageConfig struct {
	Type          string
	FlushInterval time.Duration
	SQLite        SQLiteConfig
	Postgres      PostgresConfig
}

// InfluxConfig holds the InfluxDB sink settings.
type InfluxConfig struct {
	Enabled    bool
	Protocol   string
	Host       string
	Port       string
	Token      string
	Org        string
	Bucket     string
	BackupPath string
}

// URL returns the InfluxDB server URL.
func (c InfluxConfig) URL() string {
	return fmt.Sprintf("%s://%s:%s", c.Protocol, c.Host, c.Port)
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

// MonitorConfig holds the status file monitor settings.
type MonitorConfig struct {
	Enabled    bool
	StatusFile string
	Interval   time.Duration
}

// SetDefaults registers every default value. Load calls it; it is exported
// so callers can fall back to defaults when the config file is missing.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./vibrouterlogs")
	viper.SetDefault("logMaxSizeMB", 10)
	viper.SetDefault("logMaxBackups", 5)

	viper.SetDefault("server.url", "ws://127.0.0.1:12345")
	viper.SetDefault("server.clientName", "Game Vibration Router")
	viper.SetDefault("server.scanOnConnect", true)
	viper.SetDefault("server.requestTimeout", "5s")
	viper.SetDefault("devices.select", []string{})

	viper.SetDefault("router.dispatchInterval", "50ms")
	viper.SetDefault("router.sampleInterval", "100ms")
	viper.SetDefault("router.multiplier", 1.0)
	viper.SetDefault("router.baseline", 0.0)
	viper.SetDefault("router.passthru", false)

	viper.SetDefault("channel.network", "tcp")
	viper.SetDefault("channel.address", "127.0.0.1:0")
	viper.SetDefault("channel.connectTimeout", "10s")

	viper.SetDefault("injector.command", "")
	viper.SetDefault("injector.args", []string{"{pid}", "{endpoint}"})
	viper.SetDefault("injector.payload", "")

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.flushInterval", "2s")
	viper.SetDefault("storage.sqlite.path", "vibrouter.db")
	viper.SetDefault("storage.sqlite.dumpPath", "")
	viper.SetDefault("storage.sqlite.dumpInterval", "1m")
	viper.SetDefault("storage.postgres.host", "localhost")
	viper.SetDefault("storage.postgres.port", "5432")
	viper.SetDefault("storage.postgres.username", "postgres")
	viper.SetDefault("storage.postgres.password", "postgres")
	viper.SetDefault("storage.postgres.database", "vibrouter")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "vibrouter")
	viper.SetDefault("influx.bucket", "vibrations")
	viper.SetDefault("influx.backupPath", "vibrations.lp.gz")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "vibrouter")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("monitor.enabled", true)
	viper.SetDefault("monitor.statusFile", "status.json")
	viper.SetDefault("monitor.interval", "1s")
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetRouterConfig returns the router settings.
func GetRouterConfig() RouterConfig {
	return RouterConfig{
		DispatchInterval: viper.GetDuration("router.dispatchInterval"),
		SampleInterval:   viper.GetDuration("router.sampleInterval"),
		Multiplier:       viper.GetFloat64("router.multiplier"),
		Baseline:         viper.GetFloat64("router.baseline"),
		Passthru:         viper.GetBool("router.passthru"),
	}
}

// GetServerConfig returns the device server settings.
func GetServerConfig() ServerConfig {
	return ServerConfig{
		URL:            viper.GetString("server.url"),
		ClientName:     viper.GetString("server.clientName"),
		ScanOnConnect:  viper.GetBool("server.scanOnConnect"),
		RequestTimeout: viper.GetDuration("server.requestTimeout"),
		Select:         viper.GetStringSlice("devices.select"),
	}
}

// GetChannelConfig returns the hook channel settings.
func GetChannelConfig() ChannelConfig {
	return ChannelConfig{
		Network:        viper.GetString("channel.network"),
		Address:        viper.GetString("channel.address"),
		ConnectTimeout: viper.GetDuration("channel.connectTimeout"),
	}
}

// GetInjectorConfig returns the injector helper settings.
func GetInjectorConfig() InjectorConfig {
	return InjectorConfig{
		Command: viper.GetString("injector.command"),
		Args:    viper.GetStringSlice("injector.args"),
		Payload: viper.GetString("injector.payload"),
	}
}

// GetStorageConfig returns the storage backend settings.
func GetStorageConfig() StorageConfig {
	cfg := StorageConfig{
		Type:          viper.GetString("storage.type"),
		FlushInterval: viper.GetDuration("storage.flushInterval"),
	}
	cfg.SQLite = SQLiteConfig{
		Path:         viper.GetString("storage.sqlite.path"),
		DumpPath:     viper.GetString("storage.sqlite.dumpPath"),
		DumpInterval: viper.GetDuration("storage.sqlite.dumpInterval"),
	}
	cfg.Postgres = PostgresConfig{
		Host:     viper.GetString("storage.postgres.host"),
		Port:     viper.GetString("storage.postgres.port"),
		Username: viper.GetString("storage.postgres.username"),
		Password: viper.GetString("storage.postgres.password"),
		Database: viper.GetString("storage.postgres.database"),
	}
	return cfg
}

// GetInfluxConfig returns the InfluxDB sink settings.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:    viper.GetBool("influx.enabled"),
		Protocol:   viper.GetString("influx.protocol"),
		Host:       viper.GetString("influx.host"),
		Port:       viper.GetString("influx.port"),
		Token:      viper.GetString("influx.token"),
		Org:        viper.GetString("influx.org"),
		Bucket:     viper.GetString("influx.bucket"),
		BackupPath: viper.GetString("influx.backupPath"),
	}
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetMonitorConfig returns the status monitor settings.
func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Enabled:    viper.GetBool("monitor.enabled"),
		StatusFile: viper.GetString("monitor.statusFile"),
		Interval:   viper.GetDuration("monitor.interval"),
	}
}
