package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/thenaterhood/dnschat/cache"
	"github.com/thenaterhood/dnschat/metrics"
	"github.com/thenaterhood/dnschat/models"
	"github.com/thenaterhood/dnschat/system"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	// Servers a query may be sent to. Hostnames or IP addresses, no ports.
	AllowedServers []string `json:"allowed_servers" yaml:"allowed_servers"`
	// Used when a query does not name a server. Must be allowlisted.
	DefaultServer string `json:"default_server" yaml:"default_server"`
	DnsPort       int    `json:"dns_port" yaml:"dns_port"`
	// Zone appended to the label, per server. Servers without an entry
	// use their own name, or DefaultZone for IP addresses.
	Zones       map[string]string `json:"zones" yaml:"zones"`
	DefaultZone string            `json:"default_zone" yaml:"default_zone"`

	EnableMock                  bool `json:"enable_mock" yaml:"enable_mock"`
	AllowExperimentalTransports bool `json:"allow_experimental_transports" yaml:"allow_experimental_transports"`
	MethodTimeoutMs             int  `json:"method_timeout_ms" yaml:"method_timeout_ms"`
	// Distinct queries allowed in flight at once. Zero picks
	// max(2, NumCPU).
	MaxConcurrentQueries int `json:"max_concurrent_queries" yaml:"max_concurrent_queries"`
	// Lowers the label length the sanitizer allows. Zero means 63.
	MaxLabelLength int `json:"max_label_length" yaml:"max_label_length"`

	// Identical prompts get a fresh reply unless this is enabled.
	CacheReplies    bool   `json:"cache_replies" yaml:"cache_replies"`
	CacheBackend    string `json:"cache_backend" yaml:"cache_backend"`
	CacheTtlSeconds int    `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	// Servers (IPs and CIDR) and zones whose replies are never cached.
	// A leading "*." matches every subdomain of a zone.
	DoNotCache []string `json:"do_not_cache" yaml:"do_not_cache"`
	// If not empty, the reply cache is flushed to this path periodically
	// and loaded from it at start.
	PersistentCacheFile string `json:"persistent_cache_file" yaml:"persistent_cache_file"`

	DisableMetrics bool   `json:"disable_metrics" yaml:"disable_metrics"`
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
	LogLevel       int    `json:"log_level" yaml:"log_level"`

	RespectResolveConf bool   `json:"respect_resolvconf" yaml:"respect_resolvconf"`
	ResolvConfPath     string `json:"resolvconf_path" yaml:"resolvconf_path"`

	skip_cache_nets  []net.IPNet        `json:"-" yaml:"-"`
	skip_cache_regex *regexp.Regexp     `json:"-" yaml:"-"`
	ResolvConf       *system.ResolvConf `json:"-" yaml:"-"`
}

// ValidationErrors collects every problem found in a config.
type ValidationErrors []error

func (v ValidationErrors) Error() string {
	var b strings.Builder

	b.WriteString("invalid configuration:\n")
	for _, err := range v {
		b.WriteString(fmt.Sprintf("- %s\n", err))
	}
	return b.String()
}

func strToIpNet(data string) *net.IPNet {
	ip := net.ParseIP(data)
	if ip == nil {
		_, net, err := net.ParseCIDR(data)
		if net != nil && err == nil {
			return net
		}

	} else {
		if ip.To4() != nil {
			return &net.IPNet{
				IP:   ip,
				Mask: net.CIDRMask(32, 32),
			}
		} else {
			return &net.IPNet{
				IP:   ip,
				Mask: net.CIDRMask(128, 128),
			}
		}
	}

	return nil
}

func (cfg *AppConfig) prepare() error {
	var skip_cache_regexes = []string{}
	cfg.skip_cache_nets = []net.IPNet{}
	cfg.skip_cache_regex = nil

	for _, item := range cfg.DoNotCache {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		net := strToIpNet(item)
		if net != nil {
			cfg.skip_cache_nets = append(cfg.skip_cache_nets, *net)
			continue
		}

		if item[0] == '*' {
			item = strings.TrimPrefix(item[1:], ".")
			skip_cache_regexes = append(skip_cache_regexes, fmt.Sprintf("(^.+\\.%s\\.?$)", regexp.QuoteMeta(item)))
		}
		skip_cache_regexes = append(skip_cache_regexes, fmt.Sprintf("(^%s\\.?$)", regexp.QuoteMeta(item)))
	}

	if len(skip_cache_regexes) > 0 {
		skip_cache_regex, err := regexp.Compile(fmt.Sprintf("(?i)%s", strings.Join(skip_cache_regexes, "|")))
		if err != nil {
			return fmt.Errorf("failed to compile cache exclude regex: %w", err)
		}
		cfg.skip_cache_regex = skip_cache_regex
	}

	zones := make(map[string]string, len(cfg.Zones))
	for server, zone := range cfg.Zones {
		if host, err := models.NormalizeServerHost(server); err == nil {
			server = host
		}
		zones[server] = zone
	}
	cfg.Zones = zones

	return cfg.Validate()
}

// Validate reports every invalid setting at once.
func (cfg AppConfig) Validate() error {
	var errs ValidationErrors

	if len(cfg.AllowedServers) == 0 {
		errs = append(errs, fmt.Errorf("allowed_servers cannot be empty"))
	}

	allowed := map[string]bool{}
	for _, server := range cfg.AllowedServers {
		host, err := models.NormalizeServerHost(server)
		if err != nil {
			errs = append(errs, fmt.Errorf("allowed_servers: %w", err))
			continue
		}
		allowed[host] = true
	}

	if cfg.DefaultServer != "" {
		host, err := models.NormalizeServerHost(cfg.DefaultServer)
		if err != nil {
			errs = append(errs, fmt.Errorf("default_server: %w", err))
		} else if !allowed[host] {
			errs = append(errs, fmt.Errorf("default_server %s is not in allowed_servers", host))
		}
	}

	if cfg.DnsPort < 0 || cfg.DnsPort > 65535 {
		errs = append(errs, fmt.Errorf("dns_port must be between 0 and 65535, but got %d", cfg.DnsPort))
	}

	for server, zone := range cfg.Zones {
		if _, err := models.NormalizeServerHost(server); err != nil {
			errs = append(errs, fmt.Errorf("zones: %w", err))
		}
		if _, err := models.NormalizeServerHost(zone); err != nil {
			errs = append(errs, fmt.Errorf("zone for %s: %w", server, err))
		}
	}

	if cfg.MethodTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("method_timeout_ms cannot be negative"))
	}

	if cfg.MaxConcurrentQueries < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_queries cannot be negative"))
	}

	if cfg.MaxLabelLength < 0 || cfg.MaxLabelLength > models.MaxLabelLength {
		errs = append(errs, fmt.Errorf("max_label_length must be between 0 and %d", models.MaxLabelLength))
	}

	if cfg.CacheBackend != "" && cfg.CacheBackend != cache.BackendBigcache && cfg.CacheBackend != cache.BackendMap {
		errs = append(errs, fmt.Errorf("cache_backend must be %s or %s", cache.BackendBigcache, cache.BackendMap))
	}

	if cfg.CacheTtlSeconds < 0 {
		errs = append(errs, fmt.Errorf("cache_ttl_seconds cannot be negative"))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ResolveServer picks the server a query goes to. An empty server means
// the default server; anything not allowlisted is refused.
func (cfg AppConfig) ResolveServer(server string) (models.DNSServerConfig, error) {
	if strings.TrimSpace(server) == "" {
		server = cfg.DefaultServer
	}

	host, err := models.NormalizeServerHost(server)
	if err != nil {
		return models.DNSServerConfig{}, fmt.Errorf("%w: %v", models.ErrServerNotAllowed, err)
	}

	priority := slices.IndexFunc(cfg.AllowedServers, func(allowed string) bool {
		normalized, err := models.NormalizeServerHost(allowed)
		return err == nil && normalized == host
	})
	if priority < 0 {
		return models.DNSServerConfig{}, fmt.Errorf("%w: %s", models.ErrServerNotAllowed, host)
	}

	zone := cfg.Zones[host]
	if zone == "" && models.IsIPLiteral(host) {
		zone = cfg.DefaultZone
	}

	serverConfig, err := models.NewDNSServerConfig(host, uint16(cfg.DnsPort), zone)
	if err != nil {
		return models.DNSServerConfig{}, fmt.Errorf("%w: %v", models.ErrServerNotAllowed, err)
	}
	serverConfig.Priority = priority

	return serverConfig, nil
}

// IsCacheable reports whether a finished exchange should be kept in the
// reply cache.
func (cfg AppConfig) IsCacheable(exchange models.Exchange) bool {
	if !cfg.CacheReplies || !exchange.IsSuccess() || exchange.Query == nil {
		return false
	}

	server := exchange.Query.Server

	if ip := net.ParseIP(server.Host); ip != nil {
		for _, skip_net := range cfg.skip_cache_nets {
			if skip_net.Contains(ip) {
				return false
			}
		}
	}

	if cfg.skip_cache_regex != nil {
		if cfg.skip_cache_regex.MatchString(server.Host) || cfg.skip_cache_regex.MatchString(exchange.Query.Zone) {
			return false
		}
	}

	return true
}

func (cfg AppConfig) MethodTimeout() time.Duration {
	return time.Duration(cfg.MethodTimeoutMs) * time.Millisecond
}

func (cfg AppConfig) CacheTtl() time.Duration {
	return time.Duration(cfg.CacheTtlSeconds) * time.Second
}

func (cfg AppConfig) Sanitizer() models.Sanitizer {
	return models.Sanitizer{MaxLabelLength: cfg.MaxLabelLength}
}

func (cfg AppConfig) CacheConfig(logger *slog.Logger, metrics metrics.MetricsInterface) cache.CacheConfig {
	return cache.CacheConfig{
		Enable:  cfg.CacheReplies,
		Backend: cfg.CacheBackend,
		TTL:     cfg.CacheTtl(),
		Logger:  logger,
		Metrics: metrics,
	}
}

func GetDefaultConfig() AppConfig {
	return AppConfig{
		AllowedServers:              []string{"llm.pieter.com", "ch.at", "8.8.8.8", "8.8.4.4", "1.1.1.1", "1.0.0.1"},
		DefaultServer:               "ch.at",
		DnsPort:                     models.DefaultDnsPort,
		Zones:                       map[string]string{},
		DefaultZone:                 models.DefaultZone,
		EnableMock:                  false,
		AllowExperimentalTransports: false,
		MethodTimeoutMs:             10000,
		MaxConcurrentQueries:        0,
		MaxLabelLength:              models.MaxLabelLength,
		CacheReplies:                false,
		CacheBackend:                cache.BackendBigcache,
		CacheTtlSeconds:             300,
		DoNotCache:                  []string{},
		PersistentCacheFile:         "",
		DisableMetrics:              true,
		MetricsAddress:              metrics.DefaultAddress,
		LogLevel:                    int(slog.LevelInfo),
		RespectResolveConf:          true,
		ResolvConfPath:              system.DefaultResolvConfPath,
		skip_cache_nets:             []net.IPNet{},
	}
}

func getEnvString(name string, def string) string {
	data := os.Getenv(name)
	if data == "" {
		return def
	}
	return data
}

func getEnvBool(name string, def bool) bool {
	data := os.Getenv(name)
	if data == "" {
		return def
	}
	return data == "1" || strings.ToLower(data) == "true" || strings.ToLower(data) == "yes"
}

func getEnvList(name string, def []string) []string {
	data := os.Getenv(name)
	if data == "" {
		return def
	}
	return strings.Fields(data)
}

func getEnvInt(name string, def int) int {
	data := os.Getenv(name)

	if data == "" {
		return def
	}
	ret, err := strconv.Atoi(data)
	if err != nil {
		return def
	}

	return ret
}

func getEnvMap(name string, def map[string]string) map[string]string {
	data := os.Getenv(name)
	ret := map[string]string{}

	if data == "" {
		return def
	}

	for _, item := range strings.Fields(data) {
		split := strings.SplitN(item, ":", 2)
		if len(split) != 2 {
			continue
		}

		ret[split[0]] = split[1]
	}

	return ret
}

func getEnvironmentConfig() AppConfig {
	config := GetDefaultConfig()

	config.AllowedServers = getEnvList("DNSCHAT_ALLOWED_SERVERS", config.AllowedServers)
	config.DefaultServer = getEnvString("DNSCHAT_DEFAULT_SERVER", config.DefaultServer)
	config.DnsPort = getEnvInt("DNSCHAT_DNS_PORT", config.DnsPort)
	config.Zones = getEnvMap("DNSCHAT_ZONES", config.Zones)
	config.DefaultZone = getEnvString("DNSCHAT_DEFAULT_ZONE", config.DefaultZone)
	config.EnableMock = getEnvBool("DNSCHAT_ENABLE_MOCK", config.EnableMock)
	config.AllowExperimentalTransports = getEnvBool("DNSCHAT_ALLOW_EXPERIMENTAL_TRANSPORTS", config.AllowExperimentalTransports)
	config.MethodTimeoutMs = getEnvInt("DNSCHAT_METHOD_TIMEOUT_MS", config.MethodTimeoutMs)
	config.MaxConcurrentQueries = getEnvInt("DNSCHAT_MAX_CONCURRENT_QUERIES", config.MaxConcurrentQueries)
	config.CacheReplies = getEnvBool("DNSCHAT_CACHE_REPLIES", config.CacheReplies)
	config.CacheBackend = getEnvString("DNSCHAT_CACHE_BACKEND", config.CacheBackend)
	config.CacheTtlSeconds = getEnvInt("DNSCHAT_CACHE_TTL_SECONDS", config.CacheTtlSeconds)
	config.PersistentCacheFile = getEnvString("DNSCHAT_PERSISTENT_CACHE_FILE", config.PersistentCacheFile)
	config.DisableMetrics = getEnvBool("DNSCHAT_DISABLE_METRICS", config.DisableMetrics)
	config.MetricsAddress = getEnvString("DNSCHAT_METRICS_ADDRESS", config.MetricsAddress)
	config.LogLevel = getEnvInt("DNSCHAT_LOG_LEVEL", config.LogLevel)
	config.ResolvConfPath = getEnvString("DNSCHAT_RESOLVCONF_PATH", config.ResolvConfPath)

	return config
}

// GetConfig loads a JSON or YAML config, chosen by file extension. When
// the file does not exist the config comes from DNSCHAT_* environment
// variables instead.
func GetConfig(path string) (*AppConfig, error) {
	config := GetDefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		config = getEnvironmentConfig()
		return &config, config.prepare()
	}

	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return &config, config.prepare()
}
