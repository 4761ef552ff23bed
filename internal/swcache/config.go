package swcache

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port        int    `yaml:"port"`
		Origin      string `yaml:"origin"`
		ControlPath string `yaml:"controlPath"`

		// ControlToken, when set, must be sent as a bearer token on every
		// control request. Without it only loopback clients are accepted.
		ControlToken string `yaml:"controlToken"`
	} `yaml:"server"`

	// Version is embedded in every partition name. Bump it whenever the
	// precache manifest or the strategy table changes.
	Version     string `yaml:"version"`
	CachePrefix string `yaml:"cachePrefix"`

	Storage struct {
		Path         string `yaml:"path"`
		InMemory     bool   `yaml:"inMemory"`
		MaxEntrySize string `yaml:"maxEntrySize"`
		Hot          struct {
			Capacity int    `yaml:"capacity"`
			TTL      string `yaml:"ttl"`
		} `yaml:"hot"`
	} `yaml:"storage"`

	Network struct {
		Timeout                 string `yaml:"timeout"`
		MaxConcurrentBackground int    `yaml:"maxConcurrentBackground"`
	} `yaml:"network"`

	Lifecycle struct {
		SkipWaiting *bool  `yaml:"skipWaiting"`
		SweepEvery  string `yaml:"sweepEvery"`
	} `yaml:"lifecycle"`

	Partitions []PartitionSpec `yaml:"partitions"`
	Strategies []Strategy      `yaml:"strategies"`
	Precache   []string        `yaml:"precache"`
	AllowList  []string        `yaml:"allowList"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`
		LogDiscovered bool   `yaml:"logDiscovered"`
	} `yaml:"logging"`

	Warmup struct {
		Sitemaps        []string `yaml:"sitemaps"`
		InitialDelay    string   `yaml:"initialDelay"`
		RediscoverEvery string   `yaml:"rediscoverEvery"`
	} `yaml:"warmup"`

	// compiled
	maxEntryBytes      int64
	hotTTL             time.Duration
	timeout            time.Duration
	sweepEvery         time.Duration
	logStatsEveryDur   time.Duration
	initialDelayDur    time.Duration
	rediscoverEveryDur time.Duration
}

type PartitionSpec struct {
	Name        string  `yaml:"name"`
	Purpose     Purpose `yaml:"purpose"`
	SweepMaxAge string  `yaml:"sweepMaxAge"`

	sweepMaxAge time.Duration
}

// Strategy is one row of the strategy table: requests matching Match are
// served by Strategy out of Partition.
type Strategy struct {
	Name       string       `yaml:"name"`
	Match      string       `yaml:"match"`
	Strategy   StrategyKind `yaml:"strategy"`
	Partition  string       `yaml:"partition"`
	MaxAge     string       `yaml:"maxAge"`
	MaxEntries int          `yaml:"maxEntries"`
	Priority   int          `yaml:"priority"`

	// Requests carrying any of these cookies go straight to the network.
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`

	// compiled
	matchers []matcher
	maxAge   time.Duration
}

func (s *Strategy) Matches(in requestInfo) bool {
	for _, m := range s.matchers {
		if m.Match(in) {
			return true
		}
	}
	return false
}

func (s Strategy) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Match, validation.Required),
		validation.Field(&s.Strategy, validation.Required, validation.In(CacheFirst, NetworkFirst, StaleWhileRevalidate)),
		validation.Field(&s.Partition, validation.Required),
		validation.Field(&s.MaxEntries, validation.Required, validation.Min(1)),
	)
}

func (p PartitionSpec) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required, validation.By(noDash)),
		validation.Field(&p.Purpose, validation.Required, validation.In(PurposeStatic, PurposeDynamic, PurposeImage, PurposeAPI)),
	)
}

func noDash(v interface{}) error {
	s, _ := v.(string)
	if strings.ContainsAny(s, "-\x00 ") {
		return fmt.Errorf("must not contain '-', spaces or NUL")
	}
	return nil
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, errors.CodeInvalidConfig, "read config %s", path)
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "parse config")
	}
	if err := cfg.prepare(); err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "invalid config")
	}
	return cfg, nil
}

func (cfg *Config) prepare() error {
	cfg.applyDefaults()

	if err := validation.ValidateStruct(cfg,
		validation.Field(&cfg.Version, validation.Required, validation.By(noSpaces)),
		validation.Field(&cfg.CachePrefix, validation.Required, validation.By(noSpaces)),
	); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&cfg.Server,
		validation.Field(&cfg.Server.Origin, validation.Required),
		validation.Field(&cfg.Server.Port, validation.Min(1), validation.Max(65535)),
	); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if !strings.HasPrefix(cfg.Server.Origin, "http://") && !strings.HasPrefix(cfg.Server.Origin, "https://") {
		return fmt.Errorf("server.origin must be an http(s) URL, got %q", cfg.Server.Origin)
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	cfg.Server.ControlPath = "/" + strings.Trim(cfg.Server.ControlPath, "/")

	var err error
	if cfg.maxEntryBytes, err = parseBytes(cfg.Storage.MaxEntrySize); err != nil {
		return fmt.Errorf("storage.maxEntrySize: %w", err)
	}
	durs := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"storage.hot.ttl", cfg.Storage.Hot.TTL, &cfg.hotTTL},
		{"network.timeout", cfg.Network.Timeout, &cfg.timeout},
		{"lifecycle.sweepEvery", cfg.Lifecycle.SweepEvery, &cfg.sweepEvery},
		{"logging.logStatsEvery", cfg.Logging.LogStatsEvery, &cfg.logStatsEveryDur},
		{"warmup.initialDelay", cfg.Warmup.InitialDelay, &cfg.initialDelayDur},
		{"warmup.rediscoverEvery", cfg.Warmup.RediscoverEvery, &cfg.rediscoverEveryDur},
	}
	for _, d := range durs {
		if d.src == "" {
			continue
		}
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}

	names := map[string]struct{}{}
	purposes := map[Purpose]string{}
	for i := range cfg.Partitions {
		p := &cfg.Partitions[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("partitions[%d]: %w", i, err)
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("partitions[%d]: duplicate name %q", i, p.Name)
		}
		if other, dup := purposes[p.Purpose]; dup {
			return fmt.Errorf("partitions[%d]: purpose %q already served by %q", i, p.Purpose, other)
		}
		names[p.Name] = struct{}{}
		purposes[p.Purpose] = p.Name
		if p.SweepMaxAge != "" {
			d, err := time.ParseDuration(p.SweepMaxAge)
			if err != nil {
				return fmt.Errorf("partitions[%d].sweepMaxAge: %w", i, err)
			}
			p.sweepMaxAge = d
		}
	}

	for i := range cfg.Strategies {
		s := &cfg.Strategies[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("strategies[%d]: %w", i, err)
		}
		if _, ok := names[s.Partition]; !ok {
			return fmt.Errorf("strategies[%d].partition: unknown partition %q", i, s.Partition)
		}
		ms, err := parseMatch(s.Match)
		if err != nil {
			return fmt.Errorf("strategies[%d].match: %w", i, err)
		}
		s.matchers = ms
		if s.MaxAge != "" {
			d, err := time.ParseDuration(s.MaxAge)
			if err != nil {
				return fmt.Errorf("strategies[%d].maxAge: %w", i, err)
			}
			s.maxAge = d
		}
		if s.Strategy == CacheFirst && s.maxAge <= 0 {
			return fmt.Errorf("strategies[%d].maxAge: required for %s", i, CacheFirst)
		}
		if s.Name == "" {
			s.Name = fmt.Sprintf("%s#%d", s.Partition, i)
		}
	}

	for i, p := range cfg.Precache {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("precache[%d]: %q must be an absolute path", i, p)
		}
	}

	sort.SliceStable(cfg.Strategies, func(i, j int) bool {
		return cfg.Strategies[i].Priority < cfg.Strategies[j].Priority
	})
	return nil
}

func noSpaces(v interface{}) error {
	s, _ := v.(string)
	if strings.ContainsAny(s, " \t\n\x00") {
		return fmt.Errorf("must not contain whitespace")
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ControlPath == "" {
		cfg.Server.ControlPath = "/__swcache"
	}
	if cfg.CachePrefix == "" {
		cfg.CachePrefix = "swcache"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.MaxEntrySize == "" {
		cfg.Storage.MaxEntrySize = "5mb"
	}
	if cfg.Storage.Hot.TTL == "" {
		cfg.Storage.Hot.TTL = "10m"
	}
	if cfg.Network.Timeout == "" {
		cfg.Network.Timeout = "8s"
	}
	if cfg.Network.MaxConcurrentBackground <= 0 {
		cfg.Network.MaxConcurrentBackground = 32
	}
	if cfg.Lifecycle.SkipWaiting == nil {
		t := true
		cfg.Lifecycle.SkipWaiting = &t
	}
	if cfg.Lifecycle.SweepEvery == "" {
		cfg.Lifecycle.SweepEvery = "24h"
	}
	if len(cfg.Partitions) == 0 {
		cfg.Partitions = defaultPartitions()
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = defaultStrategies()
	}
	if cfg.Precache == nil {
		cfg.Precache = []string{
			"/",
			"/static/css/main.css",
			"/static/js/main.js",
			"/static/images/logo.png",
			"/static/images/hero.webp",
		}
	}
	if cfg.AllowList == nil {
		cfg.AllowList = []string{
			"www.google-analytics.com",
			"www.googletagmanager.com",
			"connect.facebook.net",
			"www.clarity.ms",
		}
	}
}

func defaultPartitions() []PartitionSpec {
	return []PartitionSpec{
		{Name: "static", Purpose: PurposeStatic, SweepMaxAge: "8760h"},
		{Name: "images", Purpose: PurposeImage, SweepMaxAge: "8760h"},
		{Name: "dynamic", Purpose: PurposeDynamic},
	}
}

func defaultStrategies() []Strategy {
	return []Strategy{
		{
			Name:       "static",
			Match:      "PathPrefix(/static/) | Ext(css,js,woff,woff2,ttf,eot,svg,ico)",
			Strategy:   CacheFirst,
			Partition:  "static",
			MaxAge:     "8760h",
			MaxEntries: 100,
			Priority:   10,
		},
		{
			Name:       "media",
			Match:      "PathPrefix(/media/) & Ext(jpg,jpeg,png,gif,webp,avif)",
			Strategy:   CacheFirst,
			Partition:  "images",
			MaxAge:     "720h",
			MaxEntries: 200,
			Priority:   20,
		},
		{
			Name:       "images",
			Match:      "Ext(jpg,jpeg,png,gif,webp,avif)",
			Strategy:   CacheFirst,
			Partition:  "images",
			MaxAge:     "8760h",
			MaxEntries: 200,
			Priority:   30,
		},
		{
			Name:       "api",
			Match:      "PathPrefix(/api/)",
			Strategy:   NetworkFirst,
			Partition:  "dynamic",
			MaxAge:     "5m",
			MaxEntries: 30,
			Priority:   40,
		},
		{
			Name:       "html",
			Match:      "Accept(text/html) | Page()",
			Strategy:   StaleWhileRevalidate,
			Partition:  "dynamic",
			MaxAge:     "1h",
			MaxEntries: 50,
			Priority:   50,
		},
	}
}

// PartitionName returns the storage name of a logical partition in the
// current generation.
func (cfg *Config) PartitionName(name string) string {
	return cfg.CachePrefix + "-" + name + "-" + cfg.Version
}

// IsCurrent reports whether a stored partition name is one of the
// configured partitions of the current generation.
func (cfg *Config) IsCurrent(stored string) bool {
	for _, p := range cfg.Partitions {
		if cfg.PartitionName(p.Name) == stored {
			return true
		}
	}
	return false
}

func (cfg *Config) partitionByPurpose(p Purpose) (PartitionSpec, bool) {
	for _, ps := range cfg.Partitions {
		if ps.Purpose == p {
			return ps, true
		}
	}
	return PartitionSpec{}, false
}

func (cfg *Config) skipWaiting() bool {
	return cfg.Lifecycle.SkipWaiting != nil && *cfg.Lifecycle.SkipWaiting
}
