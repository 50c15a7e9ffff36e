// ABOUTME: Typed gateway configuration: routes, destinations, brokers, scripts, and resilience options.
// ABOUTME: Loaded from YAML with DICOMGATE_* environment overrides; invalid config refuses to start.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is the base error for configuration validation failures.
// The process exits with code 1 when Load returns an error wrapping it.
var ErrInvalid = errors.New("invalid configuration")

// Destination kinds recognized in the "kind" field of a destination entry.
const (
	KindDicom = "dicom"
	KindXNAT  = "xnat"
	KindFS    = "fs"
)

// Config is the root configuration document.
type Config struct {
	DataRoot     string        `yaml:"data_root"`
	ScriptsDir   string        `yaml:"scripts_dir"`
	Routes       []Route       `yaml:"routes"`
	Destinations []Destination `yaml:"destinations"`
	Brokers      []Broker      `yaml:"brokers"`
	Resilience   Resilience    `yaml:"resilience"`
	Admin        Admin         `yaml:"admin"`
}

// Route is an inbound listener configuration bound to one AE title and port.
type Route struct {
	AETitle                string             `yaml:"ae_title"`
	Port                   int                `yaml:"port"`
	Enabled                bool               `yaml:"enabled"`
	Description            string             `yaml:"description"`
	WorkerThreads          int                `yaml:"worker_threads"`
	MaxConcurrentStudies   int                `yaml:"max_concurrent_studies"`
	MaxConcurrentTransfers int                `yaml:"max_concurrent_transfers"`
	StudyTimeoutSeconds    *int               `yaml:"study_timeout_seconds"`
	RateLimitPerMinute     *int               `yaml:"rate_limit_per_minute"`
	WebhookURL             string             `yaml:"webhook_url"`
	WebhookEvents          []string           `yaml:"webhook_events"`
	ReviewRequired         bool               `yaml:"review_required"`
	AutoImport             bool               `yaml:"auto_import"`
	TLS                    bool               `yaml:"tls"`
	Destinations           []RouteDestination `yaml:"destinations"`
	RoutingRules           []Rule             `yaml:"routing_rules"`
	ValidationRules        []Rule             `yaml:"validation_rules"`
	Filters                []Rule             `yaml:"filters"`
}

// RouteDestination binds a route to a named destination with processing options.
type RouteDestination struct {
	Destination    string `yaml:"destination"`
	Anonymize      bool   `yaml:"anonymize"`
	Script         string `yaml:"script"`
	Project        string `yaml:"project"`
	Subject        string `yaml:"subject"`
	Session        string `yaml:"session"`
	Priority       int    `yaml:"priority"`
	MaxRetries     int    `yaml:"max_retries"`
	RetryDelaySecs int    `yaml:"retry_delay_seconds"`
	Broker         string `yaml:"broker"`
	PixelPHIScan   bool   `yaml:"pixel_phi_scan"`
}

// Destination is a named outbound sink. Kind selects which field group applies.
type Destination struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Enabled bool   `yaml:"enabled"`

	// DICOM-AE fields
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	AETitle string `yaml:"ae_title"`
	TLS     bool   `yaml:"tls"`

	// XNAT fields
	URL           string `yaml:"url"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	PoolSize      int    `yaml:"pool_size"`
	AutoArchive   *bool  `yaml:"auto_archive"`   // default true; false lands imports in the prearchive
	ArchiveAction bool   `yaml:"archive_action"` // commit prearchived sessions after import

	// Filesystem fields
	Path          string `yaml:"path"`
	CreateSubdirs bool   `yaml:"create_subdirs"`
	NamingPattern string `yaml:"naming_pattern"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxRetries     int `yaml:"max_retries"`
}

/// Broker configures one honest-broker backend: local (sqlite), remote (HTTP),
// or script (external lookup program).
type Broker struct {
	Name         string `yaml:"name"`
	Backend      string `yaml:"backend"` // "local", "remote", "script"
	DBPath       string `yaml:"db_path"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	ScriptPath   string `yaml:"script_path"`
	CacheTTLSecs int    `yaml:"cache_ttl_seconds"`
	CacheMaxSize int    `yaml:"cache_max_size"`
	Prefix       string `yaml:"prefix"`
	DateShift    bool   `yaml:"date_shift"`
	MinShiftDays int    `yaml:"min_shift_days"`
	MaxShiftDays int    `yaml:"max_shift_days"`
	HashUIDs     bool   `yaml:"hash_uids"`
	UIDRoot      string `yaml:"uid_root"`
}

// Rule is a single tag-comparison rule applied to incoming instances.
// Operators: equals, not_equals, contains, matches, in, not_in, exists, range.
type Rule struct {
	Tag      string   `yaml:"tag"`
	Operator string   `yaml:"operator"`
	Value    string   `yaml:"value"`
	Values   []string `yaml:"values"`
	Action   string   `yaml:"action"` // "accept", "reject", "add_destination", "remove_destination"
	Target   string   `yaml:"target"` // destination name for routing actions
}

// Resilience holds gateway-wide retry, health, and retention options.
type Resilience struct {
	HealthCheckIntervalSeconds int    `yaml:"health_check_interval_seconds"`
	CacheDir                   string `yaml:"cache_dir"`
	MaxRetries                 int    `yaml:"max_retries"`
	RetryDelaySeconds          int    `yaml:"retry_delay_seconds"`
	MaxRetryDelaySeconds       int    `yaml:"max_retry_delay_seconds"`
	RetentionDays              int    `yaml:"retention_days"`
	ArchiveRetentionDays       int    `yaml:"archive_retention_days"` // -1 disables purging
	DeletedRetentionDays       int    `yaml:"deleted_retention_days"` // -1 disables purging
	GracefulStopSeconds        int    `yaml:"graceful_stop_seconds"`
}

// Admin configures the read-model HTTP surface.
type Admin struct {
	Bind        string `yaml:"bind"`
	AllowRemote bool   `yaml:"allow_remote"`
	OCRURL      string `yaml:"ocr_url"`
}

// validOperators is the recognized rule operator set.
var validOperators = map[string]bool{
	"equals": true, "not_equals": true, "contains": true, "matches": true,
	"in": true, "not_in": true, "exists": true, "range": true,
}

// Load reads, applies env overrides to, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	}
	return Parse(data)
}

// Parse unmarshals config bytes, applies env overrides, fills defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalid, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays DICOMGATE_* environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("DICOMGATE_DATA_ROOT"); v != "" {
		c.DataRoot = v
	}
	if v := os.Getenv("DICOMGATE_ADMIN_BIND"); v != "" {
		c.Admin.Bind = v
	}
	if v := os.Getenv("DICOMGATE_ALLOW_REMOTE"); v == "true" || v == "1" || v == "yes" {
		c.Admin.AllowRemote = true
	}
	if v := os.Getenv("DICOMGATE_HEALTH_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.HealthCheckIntervalSeconds = n
		}
	}
}

// applyDefaults fills zero-valued fields with documented defaults.
func (c *Config) applyDefaults() {
	if c.DataRoot == "" {
		c.DataRoot = "data"
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = filepath.Join(c.DataRoot, "scripts")
	}
	if c.Admin.Bind == "" {
		c.Admin.Bind = "127.0.0.1:8090"
	}
	if c.Resilience.HealthCheckIntervalSeconds == 0 {
		c.Resilience.HealthCheckIntervalSeconds = 30
	}
	if c.Resilience.MaxRetries == 0 {
		c.Resilience.MaxRetries = 3
	}
	if c.Resilience.RetryDelaySeconds == 0 {
		c.Resilience.RetryDelaySeconds = 2
	}
	if c.Resilience.MaxRetryDelaySeconds == 0 {
		c.Resilience.MaxRetryDelaySeconds = 300
	}
	if c.Resilience.GracefulStopSeconds == 0 {
		c.Resilience.GracefulStopSeconds = 30
	}
	if c.Resilience.ArchiveRetentionDays == 0 {
		c.Resilience.ArchiveRetentionDays = -1
	}
	if c.Resilience.DeletedRetentionDays == 0 {
		c.Resilience.DeletedRetentionDays = -1
	}
	for i := range c.Routes {
		r := &c.Routes[i]
		if r.WorkerThreads == 0 {
			r.WorkerThreads = 4
		}
		if r.MaxConcurrentStudies == 0 {
			r.MaxConcurrentStudies = 16
		}
		if r.MaxConcurrentTransfers == 0 {
			r.MaxConcurrentTransfers = 4
		}
		// Pointer so an explicit zero survives: quiescence 0 completes a
		// study on the first watchdog pass after its last instance.
		if r.StudyTimeoutSeconds == nil {
			v := 30
			r.StudyTimeoutSeconds = &v
		}
		for j := range r.Destinations {
			rd := &r.Destinations[j]
			if rd.MaxRetries == 0 {
				rd.MaxRetries = c.Resilience.MaxRetries
			}
			if rd.RetryDelaySecs == 0 {
				rd.RetryDelaySecs = c.Resilience.RetryDelaySeconds
			}
		}
	}
	for i := range c.Destinations {
		d := &c.Destinations[i]
		if d.TimeoutSeconds == 0 {
			d.TimeoutSeconds = 60
		}
		if d.MaxRetries == 0 {
			d.MaxRetries = c.Resilience.MaxRetries
		}
		if d.Kind == KindXNAT && d.PoolSize == 0 {
			d.PoolSize = 4
		}
		if d.Kind == KindXNAT && d.AutoArchive == nil {
			v := true
			d.AutoArchive = &v
		}
	}
	for i := range c.Brokers {
		b := &c.Brokers[i]
		if b.CacheTTLSecs == 0 {
			b.CacheTTLSecs = 300
		}
		if b.CacheMaxSize == 0 {
			b.CacheMaxSize = 10000
		}
		if b.MaxShiftDays == 0 {
			b.MaxShiftDays = 30
		}
		if b.UIDRoot == "" {
			b.UIDRoot = "2.25"
		}
	}
}

// Validate checks structural and referential integrity of the configuration.
func (c *Config) Validate() error {
	seenDest := map[string]bool{}
	for _, d := range c.Destinations {
		if d.Name == "" {
			return fmt.Errorf("%w: destination with empty name", ErrInvalid)
		}
		if seenDest[d.Name] {
			return fmt.Errorf("%w: duplicate destination %q", ErrInvalid, d.Name)
		}
		seenDest[d.Name] = true
		switch d.Kind {
		case KindDicom:
			if d.Host == "" || d.Port == 0 || d.AETitle == "" {
				return fmt.Errorf("%w: dicom destination %q needs host, port, and ae_title", ErrInvalid, d.Name)
			}
		case KindXNAT:
			if d.URL == "" {
				return fmt.Errorf("%w: xnat destination %q needs url", ErrInvalid, d.Name)
			}
		case KindFS:
			if d.Path == "" {
				return fmt.Errorf("%w: fs destination %q needs path", ErrInvalid, d.Name)
			}
		default:
			return fmt.Errorf("%w: destination %q has unknown kind %q", ErrInvalid, d.Name, d.Kind)
		}
	}

	seenBroker := map[string]bool{}
	for _, b := range c.Brokers {
		if b.Name == "" {
			return fmt.Errorf("%w: broker with empty name", ErrInvalid)
		}
		if seenBroker[b.Name] {
			return fmt.Errorf("%w: duplicate broker %q", ErrInvalid, b.Name)
		}
		seenBroker[b.Name] = true
		switch b.Backend {
		case "local", "remote", "script":
		default:
			return fmt.Errorf("%w: broker %q has unknown backend %q", ErrInvalid, b.Name, b.Backend)
		}
		if b.DateShift && b.MinShiftDays > b.MaxShiftDays {
			return fmt.Errorf("%w: broker %q has min_shift_days > max_shift_days", ErrInvalid, b.Name)
		}
	}

	seenPort := map[int]string{}
	for _, r := range c.Routes {
		if r.AETitle == "" {
			return fmt.Errorf("%w: route with empty ae_title", ErrInvalid)
		}
		if len(r.AETitle) > 16 {
			return fmt.Errorf("%w: route %q: AE title exceeds 16 characters", ErrInvalid, r.AETitle)
		}
		if r.Port <= 0 || r.Port > 65535 {
			return fmt.Errorf("%w: route %q has invalid port %d", ErrInvalid, r.AETitle, r.Port)
		}
		if prev, dup := seenPort[r.Port]; dup {
			return fmt.Errorf("%w: routes %q and %q share port %d", ErrInvalid, prev, r.AETitle, r.Port)
		}
		seenPort[r.Port] = r.AETitle
		for _, rd := range r.Destinations {
			if !seenDest[rd.Destination] {
				return fmt.Errorf("%w: route %q references unknown destination %q", ErrInvalid, r.AETitle, rd.Destination)
			}
			if rd.Broker != "" && !seenBroker[rd.Broker] {
				return fmt.Errorf("%w: route %q references unknown broker %q", ErrInvalid, r.AETitle, rd.Broker)
			}
			if rd.Anonymize && rd.Script == "" {
				return fmt.Errorf("%w: route %q destination %q enables anonymization without a script", ErrInvalid, r.AETitle, rd.Destination)
			}
		}
		for _, rules := range [][]Rule{r.RoutingRules, r.ValidationRules, r.Filters} {
			for _, rule := range rules {
				if !validOperators[rule.Operator] {
					return fmt.Errorf("%w: route %q rule on tag %q has unknown operator %q", ErrInvalid, r.AETitle, rule.Tag, rule.Operator)
				}
			}
		}
	}
	return nil
}

// DestinationByName returns the named destination, or nil if absent.
func (c *Config) DestinationByName(name string) *Destination {
	for i := range c.Destinations {
		if c.Destinations[i].Name == name {
			return &c.Destinations[i]
		}
	}
	return nil
}

// BrokerByName returns the named broker config, or nil if absent.
func (c *Config) BrokerByName(name string) *Broker {
	for i := range c.Brokers {
		if c.Brokers[i].Name == name {
			return &c.Brokers[i]
		}
	}
	return nil
}

// DestinationReferenced reports whether any route destination binds the named
// destination. Deleting a referenced destination must fail.
func (c *Config) DestinationReferenced(name string) bool {
	for _, r := range c.Routes {
		for _, rd := range r.Destinations {
			if rd.Destination == name {
				return true
			}
		}
	}
	return false
}

// StudyTimeout returns the route's completion quiescence window as a duration.
// An unset field means 30 seconds; an explicit zero means zero.
func (r *Route) StudyTimeout() time.Duration {
	if r.StudyTimeoutSeconds == nil {
		return 30 * time.Second
	}
	return time.Duration(*r.StudyTimeoutSeconds) * time.Second
}

// Timeout returns the destination's per-call timeout as a duration.
func (d *Destination) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Describe returns a short human label for a destination, used in logs.
func (d *Destination) Describe() string {
	switch d.Kind {
	case KindDicom:
		return fmt.Sprintf("%s (dicom %s@%s:%d)", d.Name, d.AETitle, d.Host, d.Port)
	case KindXNAT:
		return fmt.Sprintf("%s (xnat %s)", d.Name, d.URL)
	case KindFS:
		return fmt.Sprintf("%s (fs %s)", d.Name, d.Path)
	}
	return d.Name
}

// NormalizeAE uppercases and trims an AE title the way it appears on the wire.
func NormalizeAE(ae string) string {
	return strings.ToUpper(strings.TrimSpace(ae))
}
