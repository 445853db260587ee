package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Mode selects which subcommand's requirements Validate enforces.
type Mode string

const (
	ModeIngest Mode = "ingest"
	ModeRelay  Mode = "relay"
)

type Config struct {
	HTTP    HTTP    `yaml:"http"`
	AWS     AWS     `yaml:"aws"`
	Queue   Queue   `yaml:"queue"`
	Secret  Secret  `yaml:"secret"`
	Archive Archive `yaml:"archive"`
	Relay   Relay   `yaml:"relay"`
}

type HTTPListener struct {
	IPV4Host string `yaml:"ipv4_host"`
	IPV6Host string `yaml:"ipv6_host"`
	Port     uint16 `yaml:"port"`
}

type Tracing struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type PProf struct {
	Enabled bool `yaml:"enabled"`
}

type Metrics struct {
	HTTPListener `yaml:",inline"`
	Enabled      bool `yaml:"enabled"`
}

type HTTP struct {
	HTTPListener   `yaml:",inline"`
	Tracing        Tracing  `yaml:"tracing"`
	PProf          PProf    `yaml:"pprof"`
	TrustedProxies []string `yaml:"trusted_proxies"`
	Metrics        Metrics  `yaml:"metrics"`
	CORSHosts      []string `yaml:"cors_hosts"`
}

type AWS struct {
	Region string `yaml:"region"`
	// Endpoint overrides every service endpoint, for LocalStack and friends.
	Endpoint       string        `yaml:"endpoint"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type Queue struct {
	URL string `yaml:"url"`
}

type Secret struct {
	Parameter string `yaml:"parameter"`
}

type Archive struct {
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	NotifyTopicARN string `yaml:"notify_topic_arn"`
}

type Relay struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	WaitTime     time.Duration `yaml:"wait_time"`
	Concurrency  int           `yaml:"concurrency"`
}

//nolint:golint,gochecknoglobals
var (
	ConfigFileKey            = "config"
	HTTPIPV4HostKey          = "http.ipv4_host"
	HTTPIPV6HostKey          = "http.ipv6_host"
	HTTPPortKey              = "http.port"
	HTTPTracingEnabledKey    = "http.tracing.enabled"
	HTTPTracingOTLPEndKey    = "http.tracing.otlp_endpoint"
	HTTPPProfEnabledKey      = "http.pprof.enabled"
	HTTPTrustedProxiesKey    = "http.trusted_proxies"
	HTTPMetricsEnabledKey    = "http.metrics.enabled"
	HTTPMetricsIPV4HostKey   = "http.metrics.ipv4_host"
	HTTPMetricsIPV6HostKey   = "http.metrics.ipv6_host"
	HTTPMetricsPortKey       = "http.metrics.port"
	HTTPCORSHostsKey         = "http.cors_hosts"
	AWSRegionKey             = "aws.region"
	AWSEndpointKey           = "aws.endpoint"
	AWSRequestTimeoutKey     = "aws.request_timeout"
	QueueURLKey              = "queue.url"
	SecretParameterKey       = "secret.parameter"
	ArchiveBucketKey         = "archive.bucket"
	ArchivePrefixKey         = "archive.prefix"
	ArchiveNotifyTopicARNKey = "archive.notify_topic_arn"
	RelayPollIntervalKey     = "relay.poll_interval"
	RelayBatchSizeKey        = "relay.batch_size"
	RelayWaitTimeKey         = "relay.wait_time"
	RelayConcurrencyKey      = "relay.concurrency"
)

const (
	DefaultHTTPIPV4Host        = "0.0.0.0"
	DefaultHTTPIPV6Host        = "::"
	DefaultHTTPPort            = 8080
	DefaultHTTPMetricsIPV4Host = "127.0.0.1"
	DefaultHTTPMetricsIPV6Host = "::1"
	DefaultHTTPMetricsPort     = 8081
	DefaultAWSRegion           = "us-west-1"
	DefaultAWSRequestTimeout   = 10 * time.Second
	DefaultSecretParameter     = "/email-service/api-token"
	DefaultArchivePrefix       = "sqs-messages/"
	DefaultRelayPollInterval   = 30 * time.Second
	DefaultRelayBatchSize      = 10
	DefaultRelayWaitTime       = 20 * time.Second
	DefaultRelayConcurrency    = 1

	MaxRelayBatchSize = 10
	MaxRelayWaitTime  = 20 * time.Second
)

var (
	ErrMissingQueueURL        = errors.New("queue URL is required")
	ErrMissingSecretParameter = errors.New("secret parameter name is required")
	ErrMissingBucket          = errors.New("archive bucket is required")
	ErrMissingRegion          = errors.New("AWS region is required")
	ErrInvalidBatchSize       = fmt.Errorf("relay batch size must be between 1 and %d", MaxRelayBatchSize)
	ErrInvalidWaitTime        = fmt.Errorf("relay wait time must be between 0s and %s", MaxRelayWaitTime)
	ErrInvalidPollInterval    = errors.New("relay poll interval must not be negative")
	ErrInvalidConcurrency     = errors.New("relay concurrency must be at least 1")
	ErrInvalidRequestTimeout  = errors.New("AWS request timeout must be positive")
)

func RegisterFlags(cmd *cobra.Command) {
	cmd.Flags().StringP(ConfigFileKey, "c", "", "Config file path")
	cmd.Flags().String(HTTPIPV4HostKey, DefaultHTTPIPV4Host, "HTTP server IPv4 host")
	cmd.Flags().String(HTTPIPV6HostKey, DefaultHTTPIPV6Host, "HTTP server IPv6 host")
	cmd.Flags().Uint16(HTTPPortKey, DefaultHTTPPort, "HTTP server port")
	cmd.Flags().Bool(HTTPTracingEnabledKey, false, "Enable Open Telemetry tracing")
	cmd.Flags().String(HTTPTracingOTLPEndKey, "", "Open Telemetry endpoint")
	cmd.Flags().Bool(HTTPPProfEnabledKey, false, "Enable pprof")
	cmd.Flags().StringSlice(HTTPTrustedProxiesKey, []string{}, "Comma-separated list of trusted proxies")
	cmd.Flags().Bool(HTTPMetricsEnabledKey, false, "Enable metrics server")
	cmd.Flags().String(HTTPMetricsIPV4HostKey, DefaultHTTPMetricsIPV4Host, "Metrics server IPv4 host")
	cmd.Flags().String(HTTPMetricsIPV6HostKey, DefaultHTTPMetricsIPV6Host, "Metrics server IPv6 host")
	cmd.Flags().Uint16(HTTPMetricsPortKey, DefaultHTTPMetricsPort, "Metrics server port")
	cmd.Flags().StringSlice(HTTPCORSHostsKey, []string{}, "Comma-separated list of CORS hosts")
	cmd.Flags().String(AWSRegionKey, DefaultAWSRegion, "AWS region")
	cmd.Flags().String(AWSEndpointKey, "", "AWS endpoint override")
	cmd.Flags().Duration(AWSRequestTimeoutKey, DefaultAWSRequestTimeout, "Timeout for a single AWS request")
	cmd.Flags().String(QueueURLKey, "", "SQS queue URL")
	cmd.Flags().String(SecretParameterKey, DefaultSecretParameter, "SSM parameter holding the API token")
	cmd.Flags().String(ArchiveBucketKey, "", "S3 bucket receiving archived messages")
	cmd.Flags().String(ArchivePrefixKey, DefaultArchivePrefix, "Key prefix for archived messages")
	cmd.Flags().String(ArchiveNotifyTopicARNKey, "", "SNS topic notified of archived messages")
	cmd.Flags().Duration(RelayPollIntervalKey, DefaultRelayPollInterval, "Wait between poll cycles")
	cmd.Flags().Int(RelayBatchSizeKey, DefaultRelayBatchSize, "Messages requested per poll")
	cmd.Flags().Duration(RelayWaitTimeKey, DefaultRelayWaitTime, "Long poll wait time")
	cmd.Flags().Int(RelayConcurrencyKey, DefaultRelayConcurrency, "Messages processed in parallel per batch")
}

// Validate checks the settings mode needs.
func (c *Config) Validate(mode Mode) error {
	if c.AWS.Region == "" {
		return ErrMissingRegion
	}
	if c.AWS.RequestTimeout <= 0 {
		return ErrInvalidRequestTimeout
	}
	if c.Queue.URL == "" {
		return ErrMissingQueueURL
	}

	switch mode {
	case ModeIngest:
		if c.Secret.Parameter == "" {
			return ErrMissingSecretParameter
		}
	case ModeRelay:
		if c.Archive.Bucket == "" {
			return ErrMissingBucket
		}
		if c.Relay.BatchSize < 1 || c.Relay.BatchSize > MaxRelayBatchSize {
			return ErrInvalidBatchSize
		}
		if c.Relay.WaitTime < 0 || c.Relay.WaitTime > MaxRelayWaitTime {
			return ErrInvalidWaitTime
		}
		if c.Relay.PollInterval < 0 {
			return ErrInvalidPollInterval
		}
		if c.Relay.Concurrency < 1 {
			return ErrInvalidConcurrency
		}
	}
	return nil
}

func LoadConfig(cmd *cobra.Command, mode Mode) (*Config, error) {
	// Zero is a valid wait time, so its default is seeded before the file
	// and flags are read.
	config := Config{Relay: Relay{WaitTime: DefaultRelayWaitTime}}

	// Load flags from envs
	ctx, cancel := context.WithCancelCause(cmd.Context())
	defer cancel(nil)
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if ctx.Err() != nil {
			return
		}
		optName := strings.ReplaceAll(strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_"), ".", "__")
		if val, ok := os.LookupEnv(optName); !f.Changed && ok {
			if err := f.Value.Set(val); err != nil {
				cancel(err)
			}
			f.Changed = true
		}
	})
	if ctx.Err() != nil {
		return &config, fmt.Errorf("failed to load env: %w", context.Cause(ctx))
	}

	configPath, err := cmd.Flags().GetString(ConfigFileKey)
	if err != nil {
		return &config, fmt.Errorf("failed to get config path: %w", err)
	}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return &config, fmt.Errorf("failed to read config: %w", err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return &config, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	err = overrideFlags(&config, cmd)
	if err != nil {
		return &config, fmt.Errorf("failed to override flags: %w", err)
	}

	config.applyDefaults()

	err = config.Validate(mode)
	if err != nil {
		return &config, fmt.Errorf("failed to validate config: %w", err)
	}

	return &config, nil
}

// applyDefaults fills zero values. Relay limits are not defaulted when set
// out of range so Validate can reject them.
func (c *Config) applyDefaults() {
	if c.HTTP.IPV4Host == "" {
		c.HTTP.IPV4Host = DefaultHTTPIPV4Host
	}
	if c.HTTP.IPV6Host == "" {
		c.HTTP.IPV6Host = DefaultHTTPIPV6Host
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.HTTP.Metrics.IPV4Host == "" {
		c.HTTP.Metrics.IPV4Host = DefaultHTTPMetricsIPV4Host
	}
	if c.HTTP.Metrics.IPV6Host == "" {
		c.HTTP.Metrics.IPV6Host = DefaultHTTPMetricsIPV6Host
	}
	if c.HTTP.Metrics.Port == 0 {
		c.HTTP.Metrics.Port = DefaultHTTPMetricsPort
	}
	if c.AWS.Region == "" {
		c.AWS.Region = DefaultAWSRegion
	}
	if c.AWS.RequestTimeout == 0 {
		c.AWS.RequestTimeout = DefaultAWSRequestTimeout
	}
	if c.Secret.Parameter == "" {
		c.Secret.Parameter = DefaultSecretParameter
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = DefaultArchivePrefix
	}
	if c.Relay.PollInterval == 0 {
		c.Relay.PollInterval = DefaultRelayPollInterval
	}
	if c.Relay.BatchSize == 0 {
		c.Relay.BatchSize = DefaultRelayBatchSize
	}
	if c.Relay.Concurrency == 0 {
		c.Relay.Concurrency = DefaultRelayConcurrency
	}
}

//nolint:gocyclo
func overrideFlags(config *Config, cmd *cobra.Command) error {
	var err error
	if cmd.Flags().Changed(HTTPIPV4HostKey) {
		config.HTTP.IPV4Host, err = cmd.Flags().GetString(HTTPIPV4HostKey)
		if err != nil {
			return fmt.Errorf("failed to get HTTP IPv4 host: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPIPV6HostKey) {
		config.HTTP.IPV6Host, err = cmd.Flags().GetString(HTTPIPV6HostKey)
		if err != nil {
			return fmt.Errorf("failed to get HTTP IPv6 host: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPPortKey) {
		config.HTTP.Port, err = cmd.Flags().GetUint16(HTTPPortKey)
		if err != nil {
			return fmt.Errorf("failed to get HTTP port: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPPProfEnabledKey) {
		config.HTTP.PProf.Enabled, err = cmd.Flags().GetBool(HTTPPProfEnabledKey)
		if err != nil {
			return fmt.Errorf("failed to get pprof enabled: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPTrustedProxiesKey) {
		config.HTTP.TrustedProxies, err = cmd.Flags().GetStringSlice(HTTPTrustedProxiesKey)
		if err != nil {
			return fmt.Errorf("failed to get trusted proxies: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPMetricsEnabledKey) {
		config.HTTP.Metrics.Enabled, err = cmd.Flags().GetBool(HTTPMetricsEnabledKey)
		if err != nil {
			return fmt.Errorf("failed to get metrics enabled: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPMetricsIPV4HostKey) {
		config.HTTP.Metrics.IPV4Host, err = cmd.Flags().GetString(HTTPMetricsIPV4HostKey)
		if err != nil {
			return fmt.Errorf("failed to get metrics IPv4 host: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPMetricsIPV6HostKey) {
		config.HTTP.Metrics.IPV6Host, err = cmd.Flags().GetString(HTTPMetricsIPV6HostKey)
		if err != nil {
			return fmt.Errorf("failed to get metrics IPv6 host: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPMetricsPortKey) {
		config.HTTP.Metrics.Port, err = cmd.Flags().GetUint16(HTTPMetricsPortKey)
		if err != nil {
			return fmt.Errorf("failed to get metrics port: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPTracingEnabledKey) {
		config.HTTP.Tracing.Enabled, err = cmd.Flags().GetBool(HTTPTracingEnabledKey)
		if err != nil {
			return fmt.Errorf("failed to get tracing enabled: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPTracingOTLPEndKey) {
		config.HTTP.Tracing.OTLPEndpoint, err = cmd.Flags().GetString(HTTPTracingOTLPEndKey)
		if err != nil {
			return fmt.Errorf("failed to get tracing OTLP endpoint: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPCORSHostsKey) {
		config.HTTP.CORSHosts, err = cmd.Flags().GetStringSlice(HTTPCORSHostsKey)
		if err != nil {
			return fmt.Errorf("failed to get CORS hosts: %w", err)
		}
	}

	if cmd.Flags().Changed(AWSRegionKey) {
		config.AWS.Region, err = cmd.Flags().GetString(AWSRegionKey)
		if err != nil {
			return fmt.Errorf("failed to get AWS region: %w", err)
		}
	}

	if cmd.Flags().Changed(AWSEndpointKey) {
		config.AWS.Endpoint, err = cmd.Flags().GetString(AWSEndpointKey)
		if err != nil {
			return fmt.Errorf("failed to get AWS endpoint: %w", err)
		}
	}

	if cmd.Flags().Changed(AWSRequestTimeoutKey) {
		config.AWS.RequestTimeout, err = cmd.Flags().GetDuration(AWSRequestTimeoutKey)
		if err != nil {
			return fmt.Errorf("failed to get AWS request timeout: %w", err)
		}
	}

	if cmd.Flags().Changed(QueueURLKey) {
		config.Queue.URL, err = cmd.Flags().GetString(QueueURLKey)
		if err != nil {
			return fmt.Errorf("failed to get queue URL: %w", err)
		}
	}

	if cmd.Flags().Changed(SecretParameterKey) {
		config.Secret.Parameter, err = cmd.Flags().GetString(SecretParameterKey)
		if err != nil {
			return fmt.Errorf("failed to get secret parameter: %w", err)
		}
	}

	if cmd.Flags().Changed(ArchiveBucketKey) {
		config.Archive.Bucket, err = cmd.Flags().GetString(ArchiveBucketKey)
		if err != nil {
			return fmt.Errorf("failed to get archive bucket: %w", err)
		}
	}

	if cmd.Flags().Changed(ArchivePrefixKey) {
		config.Archive.Prefix, err = cmd.Flags().GetString(ArchivePrefixKey)
		if err != nil {
			return fmt.Errorf("failed to get archive prefix: %w", err)
		}
	}

	if cmd.Flags().Changed(ArchiveNotifyTopicARNKey) {
		config.Archive.NotifyTopicARN, err = cmd.Flags().GetString(ArchiveNotifyTopicARNKey)
		if err != nil {
			return fmt.Errorf("failed to get archive notify topic: %w", err)
		}
	}

	if cmd.Flags().Changed(RelayPollIntervalKey) {
		config.Relay.PollInterval, err = cmd.Flags().GetDuration(RelayPollIntervalKey)
		if err != nil {
			return fmt.Errorf("failed to get relay poll interval: %w", err)
		}
	}

	if cmd.Flags().Changed(RelayBatchSizeKey) {
		config.Relay.BatchSize, err = cmd.Flags().GetInt(RelayBatchSizeKey)
		if err != nil {
			return fmt.Errorf("failed to get relay batch size: %w", err)
		}
	}

	if cmd.Flags().Changed(RelayWaitTimeKey) {
		config.Relay.WaitTime, err = cmd.Flags().GetDuration(RelayWaitTimeKey)
		if err != nil {
			return fmt.Errorf("failed to get relay wait time: %w", err)
		}
	}

	if cmd.Flags().Changed(RelayConcurrencyKey) {
		config.Relay.Concurrency, err = cmd.Flags().GetInt(RelayConcurrencyKey)
		if err != nil {
			return fmt.Errorf("failed to get relay concurrency: %w", err)
		}
	}

	return nil
}
