package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// PathEnv names the variable holding the configuration file path.
	PathEnv = "ENVOY_LOGGER_CFG_PATH"
	// DefaultPath is used when neither an argument nor PathEnv is given.
	DefaultPath = "/etc/envoy_logger/cfg.yaml"
)

type Config struct {
	Enphase   EnphaseConfig     `yaml:"enphaseenergy"`
	Envoy     EnvoyConfig       `yaml:"envoy"`
	InfluxDB  InfluxDBConfig    `yaml:"influxdb"`
	Inverters map[Serial]TagSet `yaml:"inverters"`
	Meters    []MeterConfig     `yaml:"meters"`
	Sampling  SamplingConfig    `yaml:"sampling"`
	Buffer    BufferConfig      `yaml:"buffer"`
	Health    HealthConfig      `yaml:"health"`
	Log       LogConfig         `yaml:"log"`
	MQTT      MQTTConfig        `yaml:"mqtt"`
}

type EnphaseConfig struct {
	Email         string `yaml:"email" env:"ENPHASE_EMAIL"`
	Password      string `yaml:"password" env:"ENPHASE_PASSWORD"`
	TokenCacheDir string `yaml:"token_cache_dir" env:"ENPHASE_TOKEN_CACHE_DIR"`
	EnlightenURL  string `yaml:"enlighten_url" env-default:"https://enlighten.enphaseenergy.com"`
}

type EnvoyConfig struct {
	Serial  Serial        `yaml:"serial"`
	URL     string        `yaml:"url" env:"ENVOY_URL" env-default:"https://envoy.local"`
	Tag     string        `yaml:"tag" env-default:"envoy"`
	Timeout time.Duration `yaml:"timeout" env-default:"10s"`
}

type InfluxDBConfig struct {
	URL            string        `yaml:"url" env:"INFLUXDB_URL"`
	Token          string        `yaml:"token" env:"INFLUXDB_TOKEN"`
	Org            string        `yaml:"org" env-default:"home"`
	Bucket         string        `yaml:"bucket"`
	BucketHR       string        `yaml:"bucket_hr"`
	BucketMR       string        `yaml:"bucket_mr"`
	BucketLR       string        `yaml:"bucket_lr"`
	CalcHourlyData bool          `yaml:"calc_hourly_data"`
	CalcDailyData  bool          `yaml:"calc_daily_data"`
	Timeout        time.Duration `yaml:"timeout" env-default:"10s"`
	Retry          RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env-default:"3"`
	InitialDelay time.Duration `yaml:"initial_delay" env-default:"1s"`
	MaxDelay     time.Duration `yaml:"max_delay" env-default:"10s"`
}

type SamplingConfig struct {
	Interval        time.Duration `yaml:"interval" env-default:"10s"`
	BatteryEvery    int           `yaml:"battery_every" env-default:"6"`
	MaxFailures     int           `yaml:"max_failures" env-default:"10"`
	WriteBackoff    time.Duration `yaml:"write_backoff" env-default:"50s"`
	RestartDelay    time.Duration `yaml:"restart_delay" env-default:"5s"`
	RestartMaxDelay time.Duration `yaml:"restart_max_delay" env-default:"5m"`
}

type BufferConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path" env-default:"/var/lib/envoy_logger/buffer.db"`
	MaxAge  time.Duration `yaml:"max_age" env-default:"72h"`
}

type HealthConfig struct {
	Address string `yaml:"address" env-default:":8080"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env-default:"text"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id" env-default:"envoy-logger"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password" env:"MQTT_PASSWORD"`
	TopicPrefix string `yaml:"topic_prefix" env-default:"envoy"`
	QoS         byte   `yaml:"qos"`
}

// ResolvePath picks the configuration file: explicit path first, then
// PathEnv, then DefaultPath.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("config file %s: %w", configPath, err)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	return &cfg, nil
}

func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err.Error())
	}
	return cfg
}

func (c *Config) applyDefaults() {
	for i := range c.Meters {
		c.Meters[i].applyDefaults()
	}
}

func (c *Config) Validate() error {
	var errs []error

	if c.Enphase.Email == "" || c.Enphase.Password == "" {
		errs = append(errs, errors.New("enphaseenergy.email and enphaseenergy.password are required"))
	}
	if c.Envoy.Serial == "" {
		errs = append(errs, errors.New("envoy.serial is required"))
	}
	if c.Envoy.URL == "" {
		errs = append(errs, errors.New("envoy.url is required"))
	}
	if c.InfluxDB.URL == "" {
		errs = append(errs, errors.New("influxdb.url is required"))
	}
	if c.InfluxDB.Token == "" {
		errs = append(errs, errors.New("influxdb.token is required"))
	}
	if c.HighRateBucket() == "" {
		errs = append(errs, errors.New("influxdb.bucket or influxdb.bucket_hr is required"))
	}
	if c.InfluxDB.CalcHourlyData && c.MediumRateBucket() == "" {
		errs = append(errs, errors.New("calc_hourly_data needs influxdb.bucket or influxdb.bucket_mr"))
	}
	if c.InfluxDB.CalcDailyData && c.LowRateBucket() == "" {
		errs = append(errs, errors.New("calc_daily_data needs influxdb.bucket or influxdb.bucket_lr"))
	}
	if c.Sampling.Interval < time.Second {
		errs = append(errs, fmt.Errorf("sampling.interval of %s is too low", c.Sampling.Interval))
	}
	if c.Sampling.BatteryEvery < 1 {
		errs = append(errs, errors.New("sampling.battery_every must be at least 1"))
	}
	if c.Sampling.MaxFailures < 1 {
		errs = append(errs, errors.New("sampling.max_failures must be at least 1"))
	}
	if c.InfluxDB.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("influxdb.retry.max_attempts must be at least 1"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d is out of range", c.MQTT.QoS))
	}
	for i := range c.Meters {
		if err := c.Meters[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("meters[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) HighRateBucket() string {
	return firstNonEmpty(c.InfluxDB.BucketHR, c.InfluxDB.Bucket)
}

func (c *Config) MediumRateBucket() string {
	return firstNonEmpty(c.InfluxDB.BucketMR, c.InfluxDB.Bucket)
}

func (c *Config) LowRateBucket() string {
	return firstNonEmpty(c.InfluxDB.BucketLR, c.InfluxDB.Bucket)
}

// TokenCacheDir falls back to the per-user cache directory.
func (c *Config) TokenCacheDir() string {
	if c.Enphase.TokenCacheDir != "" {
		return c.Enphase.TokenCacheDir
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "envoy_logger")
	}
	return filepath.Join(dir, "envoy_logger")
}

// InverterSerials lists every inverter that has a tag mapping.
func (c *Config) InverterSerials() []string {
	out := make([]string, 0, len(c.Inverters))
	for serial := range c.Inverters {
		out = append(out, string(serial))
	}
	return out
}

// InverterTags returns the configured tag set of an inverter, or nil.
func (c *Config) InverterTags(serial string) TagSet {
	return c.Inverters[Serial(serial)]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
