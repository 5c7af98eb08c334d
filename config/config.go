package config

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "config/config.yml"

type Config struct {
	App       AppConfig               `yaml:"app"`
	Logging   LoggingConfig           `yaml:"logging"`
	Pipeline  PipelineConfig          `yaml:"pipeline"`
	Queue     QueueConfig             `yaml:"queue"`
	Metrics   MetricsConfig           `yaml:"metrics"`
	Capture   CaptureConfig           `yaml:"capture"`
	Discovery DiscoveryConfig         `yaml:"discovery"`
	Venues    map[string]*VenueConfig `yaml:"venues"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type PipelineConfig struct {
	Shards            int                    `yaml:"shards"`
	IntakeBuffer      int                    `yaml:"intake_buffer"`
	IntakeTimeout     time.Duration          `yaml:"intake_timeout"`
	FutureTolerance   time.Duration          `yaml:"future_tolerance"`
	DefaultPriceScale int32                  `yaml:"default_price_scale"`
	DefaultQtyScale   int32                  `yaml:"default_qty_scale"`
	Scales            map[string]ScaleConfig `yaml:"scales"`
}

// ScaleConfig fixes the decimal scale of one asset pair, keyed "BASE/QUOTE".
type ScaleConfig struct {
	Price int32 `yaml:"price"`
	Qty   int32 `yaml:"qty"`
}

type QueueConfig struct {
	Capacity     int `yaml:"capacity"`
	ConsumerSpin int `yaml:"consumer_spin"`
	ReplayWindow int `yaml:"replay_window"`
}

type MetricsConfig struct {
	Enabled           bool             `yaml:"enabled"`
	Listen            string           `yaml:"listen"`
	ReportInterval    time.Duration    `yaml:"report_interval"`
	OccupancyInterval time.Duration    `yaml:"occupancy_interval"`
	CloudWatch        CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Region    string        `yaml:"region"`
	Namespace string        `yaml:"namespace"`
	Interval  time.Duration `yaml:"interval"`
}

type CaptureConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`

	Store PackStoreConfig `yaml:"store"`
}

// PackStoreConfig points at the S3 bucket golden packs are shared through.
type PackStoreConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type DiscoveryConfig struct {
	QuoteWhitelist  []string `yaml:"quote_whitelist"`
	SymbolBlacklist []string `yaml:"symbol_blacklist"`
}

type VenueConfig struct {
	Name           string               `yaml:"-"`
	Enabled        bool                 `yaml:"enabled"`
	Kind           string               `yaml:"kind"`
	Instruments    []string             `yaml:"instruments"`
	Symbols        SymbolList           `yaml:"symbols"`
	WSBase         string               `yaml:"ws_base"`
	RestBase       string               `yaml:"rest_base"`
	Category       string               `yaml:"category"`
	LocalIP        string               `yaml:"local_ip"`
	HTTPTimeout    time.Duration        `yaml:"http_timeout"`
	PingInterval   time.Duration        `yaml:"ping_interval"`
	SubscribeRate  float64              `yaml:"subscribe_rate"`
	Discovery      *DiscoveryConfig     `yaml:"discovery"`
	Channels       ChannelsConfig       `yaml:"channels"`
	Reconnect      ReconnectConfig      `yaml:"reconnect"`
	Dedup          DedupConfig          `yaml:"dedup"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type ChannelsConfig struct {
	Trades *bool        `yaml:"trades"`
	Ticker TickerConfig `yaml:"ticker"`
	Depth  DepthConfig  `yaml:"depth"`
}

// TradesEnabled defaults to true when the key is absent.
func (c ChannelsConfig) TradesEnabled() bool {
	return c.Trades == nil || *c.Trades
}

type TickerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"`
}

type DepthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type ReconnectConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// Dedup key strategies.
const (
	DedupKeyAuto      = "auto"
	DedupKeySequence  = "sequence"
	DedupKeyTimestamp = "timestamp"
)

type DedupConfig struct {
	Window int    `yaml:"window"`
	Key    string `yaml:"key"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// SymbolList is either an explicit list of native symbols or the string "ALL".
type SymbolList struct {
	All  bool
	List []string
}

func (s *SymbolList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if strings.EqualFold(strings.TrimSpace(node.Value), "ALL") {
			s.All = true
			return nil
		}
		if strings.TrimSpace(node.Value) == "" {
			return nil
		}
		return fmt.Errorf("symbols must be a list or \"ALL\", got %q", node.Value)
	case yaml.SequenceNode:
		return node.Decode(&s.List)
	default:
		return fmt.Errorf("symbols must be a list or \"ALL\"")
	}
}

func (s SymbolList) MarshalYAML() (interface{}, error) {
	if s.All {
		return "ALL", nil
	}
	return s.List, nil
}

// Static reports whether an explicit symbol list bypasses discovery.
func (s SymbolList) Static() bool {
	return !s.All && len(s.List) > 0
}

// VenueNames returns configured venue names in a stable order.
func (c *Config) VenueNames() []string {
	names := make([]string, 0, len(c.Venues))
	for name := range c.Venues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnabledVenues returns enabled venues ordered by name.
func (c *Config) EnabledVenues() []*VenueConfig {
	var out []*VenueConfig
	for _, name := range c.VenueNames() {
		if v := c.Venues[name]; v != nil && v.Enabled {
			out = append(out, v)
		}
	}
	return out
}

// DiscoveryFor returns the venue discovery filters, falling back to the global section.
func (c *Config) DiscoveryFor(v *VenueConfig) DiscoveryConfig {
	if v.Discovery != nil {
		return *v.Discovery
	}
	return c.Discovery
}

func defaultConfig() Config {
	return Config{
		App: AppConfig{Name: "ingestflow", Version: "dev"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Pipeline: PipelineConfig{
			Shards:            8,
			IntakeBuffer:      4096,
			IntakeTimeout:     250 * time.Millisecond,
			FutureTolerance:   5 * time.Second,
			DefaultPriceScale: 8,
			DefaultQtyScale:   8,
		},
		Queue: QueueConfig{
			Capacity:     65536,
			ConsumerSpin: 64,
			ReplayWindow: 1024,
		},
		Metrics: MetricsConfig{
			Enabled:           true,
			ReportInterval:    30 * time.Second,
			OccupancyInterval: time.Second,
			CloudWatch: CloudWatchConfig{
				Namespace: "IngestFlow",
				Interval:  time.Minute,
			},
		},
		Capture: CaptureConfig{
			Path:       "capture/raw.jsonl",
			MaxSizeMB:  100,
			MaxAgeDays: 7,
			Store: PackStoreConfig{
				Prefix: "packs/",
			},
		},
	}
}

func applyVenueDefaults(name string, v *VenueConfig) {
	v.Name = name
	if v.Kind == "" {
		v.Kind = name
		if i := strings.IndexAny(name, "_-"); i > 0 {
			v.Kind = name[:i]
		}
	}
	v.Kind = strings.ToLower(v.Kind)
	if v.HTTPTimeout <= 0 {
		v.HTTPTimeout = 10 * time.Second
	}
	if v.PingInterval <= 0 {
		v.PingInterval = 20 * time.Second
	}
	if v.SubscribeRate <= 0 {
		v.SubscribeRate = 5
	}
	if v.Reconnect.BaseDelay <= 0 {
		v.Reconnect.BaseDelay = 500 * time.Millisecond
	}
	if v.Reconnect.MaxDelay <= 0 {
		v.Reconnect.MaxDelay = 30 * time.Second
	}
	if v.Reconnect.Multiplier <= 0 {
		v.Reconnect.Multiplier = 2
	}
	if v.Reconnect.Jitter == 0 {
		v.Reconnect.Jitter = 0.2
	}
	if v.Dedup.Window <= 0 {
		v.Dedup.Window = 1024
	}
	if v.Dedup.Key == "" {
		v.Dedup.Key = DedupKeyAuto
	}
	v.Dedup.Key = strings.ToLower(v.Dedup.Key)
	if v.Channels.Ticker.Enabled && v.Channels.Ticker.Mode == "" {
		v.Channels.Ticker.Mode = "book"
	}
	if v.Channels.Depth.Enabled && v.Channels.Depth.Interval <= 0 {
		v.Channels.Depth.Interval = 100 * time.Millisecond
	}
	if v.ConnectionPool.MaxIdleConns <= 0 {
		v.ConnectionPool.MaxIdleConns = 4
	}
	if v.ConnectionPool.MaxConnsPerHost <= 0 {
		v.ConnectionPool.MaxConnsPerHost = 4
	}
	if v.ConnectionPool.IdleConnTimeout <= 0 {
		v.ConnectionPool.IdleConnTimeout = 90 * time.Second
	}
}

func LoadConfig(path string) (*Config, error) {
	path = ResolvePath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and environment overrides
// and validates the result.
func Parse(data []byte) (*Config, error) {
	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	for name, v := range config.Venues {
		if v == nil {
			v = &VenueConfig{}
			config.Venues[name] = v
		}
		applyVenueDefaults(name, v)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("INGEST_METRICS_LISTEN")); v != "" {
		cfg.Metrics.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("INGEST_CAPTURE_PATH")); v != "" {
		cfg.Capture.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("INGEST_PACK_BUCKET")); v != "" {
		cfg.Capture.Store.Bucket = v
	}
	if cfg.Capture.Store.Region == "" {
		cfg.Capture.Store.Region = strings.TrimSpace(os.Getenv("AWS_REGION"))
	}
	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Region == "" {
		cfg.Metrics.CloudWatch.Region = strings.TrimSpace(os.Getenv("AWS_REGION"))
	}
	for name, v := range cfg.Venues {
		prefix := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
		if ws := strings.TrimSpace(os.Getenv(prefix + "_WS_BASE")); ws != "" {
			v.WSBase = ws
		}
		if rest := strings.TrimSpace(os.Getenv(prefix + "_REST_BASE")); rest != "" {
			v.RestBase = rest
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if cfg.Pipeline.Shards <= 0 {
		return fmt.Errorf("pipeline.shards must be greater than 0")
	}
	if cfg.Pipeline.IntakeBuffer <= 0 {
		return fmt.Errorf("pipeline.intake_buffer must be greater than 0")
	}
	if cfg.Pipeline.IntakeTimeout < 0 {
		return fmt.Errorf("pipeline.intake_timeout must not be negative")
	}
	if cfg.Pipeline.FutureTolerance < 0 {
		return fmt.Errorf("pipeline.future_tolerance must not be negative")
	}
	if !validScale(cfg.Pipeline.DefaultPriceScale) || !validScale(cfg.Pipeline.DefaultQtyScale) {
		return fmt.Errorf("pipeline default scales must be between 0 and 18")
	}
	for pair, sc := range cfg.Pipeline.Scales {
		if !strings.Contains(pair, "/") {
			return fmt.Errorf("pipeline.scales key %q must look like BASE/QUOTE", pair)
		}
		if !validScale(sc.Price) || !validScale(sc.Qty) {
			return fmt.Errorf("pipeline.scales.%s must be between 0 and 18", pair)
		}
	}

	if cfg.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be greater than 0")
	}
	if cfg.Queue.ReplayWindow < 0 {
		return fmt.Errorf("queue.replay_window must not be negative")
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Interval <= 0 {
		return fmt.Errorf("metrics.cloudwatch.interval must be greater than 0")
	}

	if cfg.Capture.Enabled && strings.TrimSpace(cfg.Capture.Path) == "" {
		return fmt.Errorf("capture.path is required when capture is enabled")
	}

	for _, name := range cfg.VenueNames() {
		if err := validateVenue(cfg.Venues[name]); err != nil {
			return err
		}
	}

	return nil
}

func validateVenue(v *VenueConfig) error {
	if !v.Enabled {
		return nil
	}
	if !v.Symbols.All && len(v.Symbols.List) == 0 && len(v.Instruments) == 0 {
		return fmt.Errorf("venues.%s needs instruments, a symbols list or symbols: ALL", v.Name)
	}
	if v.Reconnect.MaxDelay < v.Reconnect.BaseDelay {
		return fmt.Errorf("venues.%s.reconnect.max_delay must be >= base_delay", v.Name)
	}
	if v.Reconnect.Jitter < 0 || v.Reconnect.Jitter >= 1 {
		return fmt.Errorf("venues.%s.reconnect.jitter must be in [0,1)", v.Name)
	}
	switch v.Dedup.Key {
	case DedupKeyAuto, DedupKeySequence, DedupKeyTimestamp:
	default:
		return fmt.Errorf("venues.%s.dedup.key must be one of auto, sequence, timestamp", v.Name)
	}
	if v.LocalIP != "" && net.ParseIP(v.LocalIP) == nil {
		return fmt.Errorf("venues.%s.local_ip %q is not an IP address", v.Name, v.LocalIP)
	}
	return nil
}

func validScale(s int32) bool {
	return s >= 0 && s <= 18
}
