package config

import (
	"fmt"
	"log"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the YAML file. Secrets
// are expected to come from here (or a .env file) rather than the file.
const (
	EnvDatabaseDriver = "ACCESS_DATABASE_DRIVER"
	EnvDatabaseDSN    = "ACCESS_DATABASE_DSN"
	EnvRadiusSecret   = "ACCESS_RADIUS_SECRET"
	EnvAPIKey         = "ACCESS_API_KEY"
	EnvKeaSocket      = "ACCESS_KEA_SOCKET"
	EnvKeaURL         = "ACCESS_KEA_URL"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Radius     RadiusConfig     `yaml:"radius"`
	DHCP       DHCPConfig       `yaml:"dhcp"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Access     AccessConfig     `yaml:"access"`
	VLANs      VLANConfig       `yaml:"vlans"`
	Subnets    []SubnetConfig   `yaml:"subnets"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
	APIKey          string  `yaml:"api_key"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres | sqlite | mysql
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogQueries             bool   `yaml:"log_queries"`
}

// LoggingConfig selects the zap logger flavour.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// RadiusConfig describes the CoA endpoint of the wired RADIUS server.
type RadiusConfig struct {
	Server         string        `yaml:"server"`
	Port           int           `yaml:"port"`
	Secret         string        `yaml:"secret"`
	NASIP          string        `yaml:"nas_ip"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	Timeout        time.Duration `yaml:"-"`
}

// Addr returns host:port of the CoA listener.
func (r RadiusConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Server, r.Port)
}

// DHCPConfig describes how to reach the Kea control channel.
type DHCPConfig struct {
	ControlSocket   string            `yaml:"control_socket"`
	APIURL          string            `yaml:"api_url"`
	TimeoutSeconds  int               `yaml:"timeout_seconds"`
	Timeout         time.Duration     `yaml:"-"`
	PublicDNS       []string          `yaml:"public_dns"`
	StaticAddresses map[string]string `yaml:"static_addresses"` // mac -> ip, pinned only when listed here
}

// ReconcilerConfig holds the pool reconciler settings.
type ReconcilerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"`
	Workers         int           `yaml:"workers"`
	ForceRenew      bool          `yaml:"force_renew"`
}

// AccessConfig holds registration policy knobs.
type AccessConfig struct {
	VerificationRequired       bool          `yaml:"verification_required"`
	VerificationTimeoutMinutes int           `yaml:"verification_timeout_minutes"`
	VerificationTimeout        time.Duration `yaml:"-"`
	AutoApproveVLANs           []int         `yaml:"auto_approve_vlans"`
	DefaultRole                string        `yaml:"default_role"`
	IdentityValidityDays       int           `yaml:"identity_validity_days"`
}

// VLANConfig maps identity roles to wired VLANs.
type VLANConfig struct {
	Roles        map[string]int `yaml:"roles"`
	GuestRole    string         `yaml:"guest_role"`
	Restricted   int            `yaml:"restricted"`
	Unregistered int            `yaml:"unregistered"`
}

// SubnetConfig is one row of the subnet table. Subnet ID and VLAN share the
// same integer space.
type SubnetConfig struct {
	ID                  int    `yaml:"id"`
	CIDR                string `yaml:"cidr"`
	ConnectionType      string `yaml:"connection_type"` // wifi | wired
	SSID                string `yaml:"ssid"`
	PortalDNS           string `yaml:"portal_dns"`
	RegisteredPoolStart string `yaml:"registered_pool_start"`
	RegisteredPoolEnd   string `yaml:"registered_pool_end"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyEnv() {
	overrides := []struct {
		env string
		dst *string
	}{
		{EnvDatabaseDriver, &cfg.Database.Driver},
		{EnvDatabaseDSN, &cfg.Database.DSN},
		{EnvRadiusSecret, &cfg.Radius.Secret},
		{EnvAPIKey, &cfg.Server.APIKey},
		{EnvKeaSocket, &cfg.DHCP.ControlSocket},
		{EnvKeaURL, &cfg.DHCP.APIURL},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.env)); v != "" {
			*o.dst = v
		}
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Radius.Port <= 0 {
		cfg.Radius.Port = 3799
	}
	if cfg.Radius.TimeoutSeconds <= 0 {
		cfg.Radius.TimeoutSeconds = 5
	}
	cfg.Radius.Timeout = time.Duration(cfg.Radius.TimeoutSeconds) * time.Second

	if cfg.DHCP.TimeoutSeconds <= 0 {
		cfg.DHCP.TimeoutSeconds = 10
	}
	cfg.DHCP.Timeout = time.Duration(cfg.DHCP.TimeoutSeconds) * time.Second

	if cfg.Reconciler.IntervalSeconds <= 0 {
		cfg.Reconciler.IntervalSeconds = 60
	}
	cfg.Reconciler.Interval = time.Duration(cfg.Reconciler.IntervalSeconds) * time.Second
	if cfg.Reconciler.Workers <= 0 {
		log.Printf("reconciler.workers is not set or invalid; defaulting to 1")
		cfg.Reconciler.Workers = 1
	}

	if cfg.Access.VerificationTimeoutMinutes <= 0 {
		cfg.Access.VerificationTimeoutMinutes = 15
	}
	cfg.Access.VerificationTimeout = time.Duration(cfg.Access.VerificationTimeoutMinutes) * time.Minute
	if cfg.Access.IdentityValidityDays <= 0 {
		cfg.Access.IdentityValidityDays = 30
	}
	if cfg.VLANs.GuestRole == "" {
		cfg.VLANs.GuestRole = "guests"
	}
	if cfg.Access.DefaultRole == "" {
		cfg.Access.DefaultRole = cfg.VLANs.GuestRole
	}
}

// Validate checks that every VLAN the system can hand out has a matching
// subnet and that both protocol endpoints are configured.
func (cfg *Config) Validate() error {
	if cfg.Radius.Server == "" {
		return fmt.Errorf("radius.server is required")
	}
	if cfg.Radius.Secret == "" {
		return fmt.Errorf("radius.secret is required (or set %s)", EnvRadiusSecret)
	}
	if cfg.Radius.NASIP != "" {
		if _, err := netip.ParseAddr(cfg.Radius.NASIP); err != nil {
			return fmt.Errorf("radius.nas_ip: %w", err)
		}
	}
	if cfg.DHCP.ControlSocket == "" && cfg.DHCP.APIURL == "" {
		return fmt.Errorf("either dhcp.control_socket or dhcp.api_url must be provided")
	}

	subnets := make(map[int]bool, len(cfg.Subnets))
	for _, s := range cfg.Subnets {
		if subnets[s.ID] {
			return fmt.Errorf("subnet %d is defined twice", s.ID)
		}
		if _, err := netip.ParsePrefix(s.CIDR); err != nil {
			return fmt.Errorf("subnet %d: invalid cidr %q: %w", s.ID, s.CIDR, err)
		}
		subnets[s.ID] = true
	}

	guestVLAN, ok := cfg.VLANs.Roles[cfg.VLANs.GuestRole]
	if !ok {
		return fmt.Errorf("vlans.roles has no entry for guest role %q", cfg.VLANs.GuestRole)
	}

	required := map[string]int{
		"vlans.restricted":   cfg.VLANs.Restricted,
		"vlans.unregistered": cfg.VLANs.Unregistered,
		"guest VLAN":         guestVLAN,
	}
	for role, vlan := range cfg.VLANs.Roles {
		required["vlans.roles."+role] = vlan
	}
	for _, vlan := range cfg.Access.AutoApproveVLANs {
		required[fmt.Sprintf("access.auto_approve_vlans[%d]", vlan)] = vlan
	}
	for name, vlan := range required {
		if !subnets[vlan] {
			return fmt.Errorf("%s: VLAN %d has no matching subnet", name, vlan)
		}
	}
	return nil
}
