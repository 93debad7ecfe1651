package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	Email    EmailConfig    `yaml:"email"`
	Cache    CacheConfig    `yaml:"cache"`
	Requests RequestsConfig `yaml:"requests"`
}

type ServerConfig struct {
	Name           string   `yaml:"name"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	BaseURL        string   `yaml:"base_url"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type StorageConfig struct {
	AttachmentRoot string `yaml:"attachment_root"`
	UploadMaxBytes int64  `yaml:"upload_max_bytes"`
}

type AuthConfig struct {
	JWTSecret      string         `yaml:"jwt_secret"`
	AccessTokenTTL time.Duration  `yaml:"access_token_ttl"`
	Bootstrap      BootstrapAdmin `yaml:"bootstrap_admin"`
}

// BootstrapAdmin is created at startup if no user with the username exists,
// so a fresh install has someone able to review requests.
type BootstrapAdmin struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Email    string `yaml:"email"`
}

type EmailConfig struct {
	SMTP SMTPConfig `yaml:"smtp"`
	// AdminContact additionally receives the confirmed-request notice,
	// independent of notify-flagged admin accounts.
	AdminContact string `yaml:"admin_contact"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type CacheConfig struct {
	// RedisAddr empty means the in-process memory store is used instead.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// RequestsConfig owns the account-request policy knobs. It is loaded once and
// passed into the lifecycle service; nothing reads it from ambient state.
type RequestsConfig struct {
	// Types maps a request type id to the review queue label.
	Types map[int]string `yaml:"types"`

	// RejectAge is how long a request may sit pending (or on hold, counted
	// from the hold) before the sweep auto-rejects it. Confirmation tokens
	// expire on the same clock.
	RejectAge time.Duration `yaml:"reject_age"`

	// RejectedRetention is how long rejected rows and their attachments are
	// kept before the sweep purges them.
	RejectedRetention time.Duration `yaml:"rejected_retention"`

	SweepInterval time.Duration `yaml:"sweep_interval"`

	// AutoApprove creates the account immediately on email confirmation.
	AutoApprove bool `yaml:"auto_approve"`

	DefaultCountry string `yaml:"default_country"`

	// Areas a requester may pick as interests.
	Areas []AreaConfig `yaml:"areas"`

	// RequiredFields beyond the always-required username/email, e.g.
	// "real_name", "bio", "country", "tos".
	RequiredFields []string `yaml:"required_fields"`

	// AdminEmailFields are projected, in order, into the admin notice body.
	AdminEmailFields []string `yaml:"admin_email_fields"`
}

type AreaConfig struct {
	Name    string `yaml:"name"`
	Project string `yaml:"project"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GATEHOUSE_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("GATEHOUSE_SMTP_PASSWORD"); v != "" {
		c.Email.SMTP.Password = v
	}
	if v := os.Getenv("GATEHOUSE_REDIS_PASSWORD"); v != "" {
		c.Cache.RedisPassword = v
	}
	if v := os.Getenv("GATEHOUSE_BOOTSTRAP_PASSWORD"); v != "" {
		c.Auth.Bootstrap.Password = v
	}
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if c.Email.SMTP.Host == "" {
		return fmt.Errorf("email.smtp.host is required")
	}
	if c.Email.SMTP.Port == 0 {
		return fmt.Errorf("email.smtp.port is required")
	}
	if c.Email.SMTP.From == "" {
		return fmt.Errorf("email.smtp.from is required")
	}
	if c.Auth.Bootstrap.Username != "" && c.Auth.Bootstrap.Password == "" {
		return fmt.Errorf("auth.bootstrap_admin.password is required when a bootstrap admin is configured")
	}
	for _, area := range c.Requests.Areas {
		if area.Name == "" {
			return fmt.Errorf("requests.areas entries need a name")
		}
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Name == "" {
		c.Server.Name = "Gatehouse"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/gatehouse.db"
	}
	if c.Storage.AttachmentRoot == "" {
		c.Storage.AttachmentRoot = "./data/attachments"
	}
	if c.Storage.UploadMaxBytes == 0 {
		c.Storage.UploadMaxBytes = 10 << 20 // 10 MB
	}
	if c.Auth.AccessTokenTTL == 0 {
		c.Auth.AccessTokenTTL = 1 * time.Hour
	}
	if len(c.Requests.Types) == 0 {
		c.Requests.Types = map[int]string{0: "default"}
	}
	if c.Requests.RejectAge == 0 {
		c.Requests.RejectAge = 30 * 24 * time.Hour
	}
	if c.Requests.RejectedRetention == 0 {
		c.Requests.RejectedRetention = 7 * 24 * time.Hour
	}
	if c.Requests.SweepInterval == 0 {
		c.Requests.SweepInterval = 1 * time.Hour
	}
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// TypeIDs returns the configured request type ids.
func (c *RequestsConfig) TypeIDs() []int {
	ids := make([]int, 0, len(c.Types))
	for id := range c.Types {
		ids = append(ids, id)
	}
	return ids
}

// HasType reports whether a submitted type id selects a configured queue.
func (c *RequestsConfig) HasType(id int) bool {
	_, ok := c.Types[id]
	return ok
}

// HasArea reports whether name is a configured area of interest.
func (c *RequestsConfig) HasArea(name string) bool {
	for _, area := range c.Areas {
		if area.Name == name {
			return true
		}
	}
	return false
}
