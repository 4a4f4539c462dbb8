package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env               string           `mapstructure:"env"`
	LogLevel          string           `mapstructure:"log_level"`
	LogType           string           `mapstructure:"log_type"`
	ServiceName       string           `mapstructure:"service_name"`
	Port              string           `mapstructure:"port"`
	Version           string           `mapstructure:"version"`
	WorkerSettings    *WorkerConfig    `mapstructure:"worker"`
	SchedulerSettings *SchedulerConfig `mapstructure:"scheduler"`
	FetcherSettings   *FetcherConfig   `mapstructure:"fetcher"`
	RunnerSettings    *RunnerConfig    `mapstructure:"runner"`
	OutputSettings    *OutputConfig    `mapstructure:"output"`
	CacheSettings     *CacheConfig     `mapstructure:"cache"`
	FallbackSettings  *FallbackConfig  `mapstructure:"fallback"`
	DbSettings        *DatabaseConfig  `mapstructure:"database"`
	KafkaSettings     *KafkaConfig     `mapstructure:"kafka"`
	S3Settings        *S3Config        `mapstructure:"s3"`
	Sites             []*SiteConfig    `mapstructure:"sites"`
}

type WorkerConfig struct {
	Mode       string `mapstructure:"mode"` // once | kafka
	MaxWorkers int    `mapstructure:"max_workers"`
}

type DelayRange struct {
	Low  time.Duration `mapstructure:"low"`
	High time.Duration `mapstructure:"high"`
}

type SchedulerConfig struct {
	PageDelayRange  DelayRange `mapstructure:"page_delay_range"`
	BatchDelayRange DelayRange `mapstructure:"batch_delay_range"`
}

type FetcherConfig struct {
	MaxRetryAttempts    int           `mapstructure:"max_retry_attempts"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	RenderTimeout       time.Duration `mapstructure:"render_timeout"`
	Render              bool          `mapstructure:"render"`
	UserAgent           string        `mapstructure:"user_agent"`
	Transport           string        `mapstructure:"transport"` // default | cloudflare | chrome_tls
	MaxBodySize         int           `mapstructure:"max_body_size"`
	ChallengeSignatures []string      `mapstructure:"challenge_signatures"`
	Bypass              *BypassConfig `mapstructure:"bypass"`
}

type BypassConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	Endpoint          string        `mapstructure:"endpoint"`
	CountryCode       string        `mapstructure:"country_code"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	RateLimitWait     time.Duration `mapstructure:"rate_limit_wait"`
}

type RunnerConfig struct {
	MaxConsecutiveFailures int    `mapstructure:"max_consecutive_failures"`
	CheckpointDir          string `mapstructure:"checkpoint_dir"`
	Resume                 bool   `mapstructure:"resume"`
}

type OutputConfig struct {
	Dir          string   `mapstructure:"dir"`
	BaseColumns  []string `mapstructure:"base_columns"`
	SkipExisting bool     `mapstructure:"skip_existing"`
}

type CacheConfig struct {
	Type    string        `mapstructure:"type"` // none | local | memcached
	Servers string        `mapstructure:"servers"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type FallbackConfig struct {
	CommonCrawl *CommonCrawlConfig `mapstructure:"common_crawl"`
}

type CommonCrawlConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	RequestTimeout   int  `mapstructure:"request_timeout"`
	Retries          int  `mapstructure:"retries"`
	LastCrawlIndexes int  `mapstructure:"last_crawl_indexes"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
}

type KafkaConfig struct {
	Enabled  bool            `mapstructure:"enabled"`
	Producer *ProducerConfig `mapstructure:"producer"`
	Consumer *ConsumerConfig `mapstructure:"consumer"`
}

type ProducerConfig struct {
	Addr           string        `mapstructure:"addr"`
	WriteTopicName string        `mapstructure:"write_topic_name"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequiredAsks   int           `mapstructure:"required_acks"`
	Async          bool          `mapstructure:"async"`
}

type ConsumerConfig struct {
	ReadTopicName    string        `mapstructure:"read_topic_name"`
	Brokers          string        `mapstructure:"brokers"`
	GroupID          string        `mapstructure:"group_id"`
	MaxWait          time.Duration `mapstructure:"max_wait"`
	ReadBatchTimeout time.Duration `mapstructure:"read_batch_timeout"`
}

type S3Config struct {
	Enabled         bool   `mapstructure:"enabled"`
	AwsAccessKey    string `mapstructure:"aws_access_key"`
	AwsSecretKey    string `mapstructure:"aws_secret_key"`
	AwsBaseEndpoint string `mapstructure:"aws_base_endpoint"`
	Region          string `mapstructure:"region"`
	BucketName      string `mapstructure:"bucket_name"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

// SiteConfig declares one target site and its iteration plan.
type SiteConfig struct {
	Name        string          `mapstructure:"name"`
	Extractor   string          `mapstructure:"extractor"`
	Render      *bool           `mapstructure:"render"`
	ContentType string          `mapstructure:"content_type"`
	Selector    *SelectorConfig `mapstructure:"selector"`
	JSON        *JSONConfig     `mapstructure:"json"`
	Batches     []*BatchConfig  `mapstructure:"batches"`
}

// BatchConfig is a logical group of pages (a term, a department).
// URLTemplate may contain {page}, expanded from FirstPage up to MaxPages pages.
type BatchConfig struct {
	Name        string            `mapstructure:"name"`
	Fields      map[string]string `mapstructure:"fields"`
	URLs        []string          `mapstructure:"urls"`
	URLTemplate string            `mapstructure:"url_template"`
	FirstPage   int               `mapstructure:"first_page"`
	MaxPages    int               `mapstructure:"max_pages"`
}

type SelectorConfig struct {
	Record string                `mapstructure:"record"`
	Fields map[string]*FieldRule `mapstructure:"fields"`
}

// JSONConfig reads records from a JSON API response. Records is a dot path to the
// record array ("data.classes", "0.sections"); empty means the document root.
type JSONConfig struct {
	Records string                `mapstructure:"records"`
	Fields  map[string]*FieldRule `mapstructure:"fields"`
}

// FieldRule reads one field. Selector and Attr apply to HTML, Path to JSON.
type FieldRule struct {
	Selector string `mapstructure:"selector"`
	Attr     string `mapstructure:"attr"`
	Path     string `mapstructure:"path"`
	Pattern  string `mapstructure:"pattern"`
	Type     string `mapstructure:"type"` // string | int | float
}

// Site returns the site configuration with the given name.
func (c *Config) Site(name string) (*SiteConfig, bool) {
	for _, s := range c.Sites {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

func MustLoad() *Config {
	dir := os.Getenv("CONFIG_PATH")
	if dir == "" {
		dir = "."
	}
	cfg, err := Load(dir)
	if err != nil {
		slog.Error("can't initialize config file.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	return cfg
}

// Load reads config.yaml from dir. Environment variables override file values
// (fetcher.bypass.api_key -> FETCHER_BYPASS_API_KEY); SCRAPER_API_KEY is also honored.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("fetcher.bypass.api_key", "FETCHER_BYPASS_API_KEY", "SCRAPER_API_KEY")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_type", "text")
	v.SetDefault("service_name", "enrollment-scrape-worker")
	v.SetDefault("port", "")
	v.SetDefault("version", "dev")

	v.SetDefault("worker.mode", "once")
	v.SetDefault("worker.max_workers", 2)

	v.SetDefault("scheduler.page_delay_range.low", 2*time.Second)
	v.SetDefault("scheduler.page_delay_range.high", 5*time.Second)
	v.SetDefault("scheduler.batch_delay_range.low", 10*time.Second)
	v.SetDefault("scheduler.batch_delay_range.high", 20*time.Second)

	v.SetDefault("fetcher.max_retry_attempts", 3)
	v.SetDefault("fetcher.request_timeout", 30*time.Second)
	v.SetDefault("fetcher.render_timeout", 90*time.Second)
	v.SetDefault("fetcher.render", false)
	v.SetDefault("fetcher.user_agent",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("fetcher.transport", "default")
	v.SetDefault("fetcher.max_body_size", 10<<20)
	v.SetDefault("fetcher.challenge_signatures", []string{})
	v.SetDefault("fetcher.bypass.api_key", "")
	v.SetDefault("fetcher.bypass.endpoint", "http://api.scraperapi.com")
	v.SetDefault("fetcher.bypass.country_code", "us")
	v.SetDefault("fetcher.bypass.requests_per_second", 0)
	v.SetDefault("fetcher.bypass.rate_limit_wait", 10*time.Second)

	v.SetDefault("runner.max_consecutive_failures", 10)
	v.SetDefault("runner.checkpoint_dir", "")
	v.SetDefault("runner.resume", true)

	v.SetDefault("output.dir", "output")
	v.SetDefault("output.base_columns", []string{"course_code", "course_name", "term", "enrolled", "capacity"})
	v.SetDefault("output.skip_existing", false)

	v.SetDefault("cache.type", "none")
	v.SetDefault("cache.servers", "localhost:11211")
	v.SetDefault("cache.ttl", 6*time.Hour)

	v.SetDefault("fallback.common_crawl.enabled", false)
	v.SetDefault("fallback.common_crawl.request_timeout", 30)
	v.SetDefault("fallback.common_crawl.retries", 3)
	v.SetDefault("fallback.common_crawl.last_crawl_indexes", 3)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.conn_max_lifetime", 3*time.Minute)
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.producer.max_attempts", 5)
	v.SetDefault("kafka.producer.batch_size", 10)
	v.SetDefault("kafka.producer.batch_timeout", 2*time.Second)
	v.SetDefault("kafka.producer.read_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.write_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.required_acks", 1)
	v.SetDefault("kafka.consumer.max_wait", 5*time.Second)
	v.SetDefault("kafka.consumer.read_batch_timeout", 10*time.Second)

	v.SetDefault("s3.enabled", false)
	v.SetDefault("s3.key_prefix", "enrollment")
}

func (c *Config) Validate() error {
	var errs []error
	check := func(name string, r DelayRange) {
		if r.Low < 0 || r.High < r.Low {
			errs = append(errs, fmt.Errorf("%s: need 0 <= low <= high, got [%s, %s]", name, r.Low, r.High))
		}
	}
	check("scheduler.page_delay_range", c.SchedulerSettings.PageDelayRange)
	check("scheduler.batch_delay_range", c.SchedulerSettings.BatchDelayRange)

	if c.FetcherSettings.MaxRetryAttempts < 1 {
		errs = append(errs, errors.New("fetcher.max_retry_attempts must be at least 1"))
	}
	if c.FetcherSettings.RequestTimeout <= 0 || c.FetcherSettings.RenderTimeout <= 0 {
		errs = append(errs, errors.New("fetcher timeouts must be positive"))
	}
	switch c.FetcherSettings.Transport {
	case "default", "cloudflare", "chrome_tls":
	default:
		errs = append(errs, fmt.Errorf("fetcher.transport: unknown transport %q", c.FetcherSettings.Transport))
	}
	switch c.CacheSettings.Type {
	case "none", "local", "memcached":
	default:
		errs = append(errs, fmt.Errorf("cache.type: unknown cache %q", c.CacheSettings.Type))
	}
	switch c.WorkerSettings.Mode {
	case "once", "kafka":
	default:
		errs = append(errs, fmt.Errorf("worker.mode: unknown mode %q", c.WorkerSettings.Mode))
	}
	if c.WorkerSettings.MaxWorkers < 1 {
		errs = append(errs, errors.New("worker.max_workers must be at least 1"))
	}

	seen := make(map[string]struct{}, len(c.Sites))
	for i, s := range c.Sites {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("sites[%d]: name is required", i))
			continue
		}
		if _, ok := seen[s.Name]; ok {
			errs = append(errs, fmt.Errorf("sites[%d]: duplicate site %q", i, s.Name))
		}
		seen[s.Name] = struct{}{}
		if s.Extractor == "" {
			errs = append(errs, fmt.Errorf("site %s: extractor is required", s.Name))
		}
	}

	return errors.Join(errs...)
}
