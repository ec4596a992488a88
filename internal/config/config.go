package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aaronromeo/paywatch/internal/mailbox"
	"github.com/aaronromeo/paywatch/internal/matchers"
	"gopkg.in/yaml.v3"
)

const (
	envIMAPHost   = "PAYWATCH_IMAP_HOST"
	envIMAPPort   = "PAYWATCH_IMAP_PORT"
	envIMAPUser   = "PAYWATCH_IMAP_USER"
	envIMAPPass   = "PAYWATCH_IMAP_PASS"
	envWebhookURL = "PAYWATCH_WEBHOOK_URL"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultCollectTimeout = 15 * time.Second
	DefaultSettleDelay    = 2 * time.Second
	DefaultMaxEvents      = 3
	DefaultDispatchBuffer = 64
)

// DefaultAllowedSenders is used when the config file names no senders.
var DefaultAllowedSenders = []string{"alerts@account.chime.com"}

// Config holds non-secret configuration loaded from YAML.
type Config struct {
	Mailbox            string   `yaml:"mailbox"`
	AllowedSenders     []string `yaml:"allowed_senders"`
	FetchUnseenOnStart bool     `yaml:"fetch_unseen_on_start"`
	TLS                TLS      `yaml:"tls"`
	Probe              Probe    `yaml:"probe"`
	Dispatch           Dispatch `yaml:"dispatch"`
}

// TLS controls certificate validation of the IMAP connection.
type TLS struct {
	// InsecureSkipVerify defaults to true when unset.
	InsecureSkipVerify *bool `yaml:"insecure_skip_verify"`
}

// Probe configures the bounded connection test.
type Probe struct {
	ConnectTimeout string `yaml:"connect_timeout"`
	CollectTimeout string `yaml:"collect_timeout"`
	SettleDelay    string `yaml:"settle_delay"`
	MaxEvents      int    `yaml:"max_events"`
}

// Dispatch configures subscriber channels.
type Dispatch struct {
	Buffer int `yaml:"buffer"`
}

// ProbeTimings is the parsed form of Probe.
type ProbeTimings struct {
	ConnectTimeout time.Duration
	CollectTimeout time.Duration
	SettleDelay    time.Duration
	MaxEvents      int
}

// IMAPEnv holds the IMAP connection details from environment variables.
type IMAPEnv struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`
	Pass string `json:"password"`
}

// ConfigurationError reports missing or invalid settings. No connection is
// attempted when one is returned.
type ConfigurationError struct {
	Missing []string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("missing required environment variables: %s", strings.Join(e.Missing, ", "))
	}
	return "invalid configuration: " + e.Reason
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return withDefaults(Config{})
}

// Load reads configuration from a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	return withDefaults(cfg), nil
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.Mailbox) == "" {
		cfg.Mailbox = mailbox.DefaultMailbox
	}
	if len(cfg.AllowedSenders) == 0 {
		cfg.AllowedSenders = append([]string(nil), DefaultAllowedSenders...)
	}
	if cfg.TLS.InsecureSkipVerify == nil {
		insecure := true
		cfg.TLS.InsecureSkipVerify = &insecure
	}
	if cfg.Probe.MaxEvents == 0 {
		cfg.Probe.MaxEvents = DefaultMaxEvents
	}
	if cfg.Dispatch.Buffer == 0 {
		cfg.Dispatch.Buffer = DefaultDispatchBuffer
	}
	return cfg
}

// Validate performs basic validation on non-secret config.
func Validate(cfg Config) error {
	if len(cfg.AllowedSenders) == 0 {
		return errors.New("config must define at least one allowed sender")
	}
	for i, sender := range cfg.AllowedSenders {
		if !matchers.IsAddress(strings.TrimSpace(sender)) {
			return fmt.Errorf("allowed_senders[%d] %q is not an email address", i, sender)
		}
	}
	if cfg.Probe.MaxEvents < 1 {
		return errors.New("probe.max_events must be at least 1")
	}
	if cfg.Dispatch.Buffer < 1 {
		return errors.New("dispatch.buffer must be at least 1")
	}
	if _, err := cfg.ProbeTimings(); err != nil {
		return err
	}
	return nil
}

// AllowList returns the allow-listed senders.
func (c Config) AllowList() matchers.AllowList {
	return matchers.NewAllowList(c.AllowedSenders...)
}

// InsecureSkipVerify reports whether TLS certificate validation is relaxed.
func (c Config) InsecureSkipVerify() bool {
	return c.TLS.InsecureSkipVerify == nil || *c.TLS.InsecureSkipVerify
}

// ProbeTimings parses the probe durations, applying defaults for unset ones.
func (c Config) ProbeTimings() (ProbeTimings, error) {
	timings := ProbeTimings{
		ConnectTimeout: DefaultConnectTimeout,
		CollectTimeout: DefaultCollectTimeout,
		SettleDelay:    DefaultSettleDelay,
		MaxEvents:      c.Probe.MaxEvents,
	}
	if timings.MaxEvents == 0 {
		timings.MaxEvents = DefaultMaxEvents
	}
	fields := []struct {
		name  string
		value string
		out   *time.Duration
	}{
		{name: "probe.connect_timeout", value: c.Probe.ConnectTimeout, out: &timings.ConnectTimeout},
		{name: "probe.collect_timeout", value: c.Probe.CollectTimeout, out: &timings.CollectTimeout},
		{name: "probe.settle_delay", value: c.Probe.SettleDelay, out: &timings.SettleDelay},
	}
	for _, field := range fields {
		if strings.TrimSpace(field.value) == "" {
			continue
		}
		dur, err := ParseRelativeDuration(field.value)
		if err != nil {
			return ProbeTimings{}, fmt.Errorf("invalid %s: %w", field.name, err)
		}
		*field.out = dur
	}
	return timings, nil
}

// Credentials combines the IMAP environment with the file settings.
func (c Config) Credentials(env IMAPEnv) mailbox.Credentials {
	return mailbox.Credentials{
		Host:               env.Host,
		Port:               env.Port,
		Username:           env.User,
		Password:           env.Pass,
		Mailbox:            c.Mailbox,
		InsecureSkipVerify: c.InsecureSkipVerify(),
		FetchUnseen:        c.FetchUnseenOnStart,
	}
}

// ParseRelativeDuration accepts Go durations plus a "d" suffix for days.
func ParseRelativeDuration(value string) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	if strings.HasSuffix(trimmed, "d") {
		daysValue := strings.TrimSuffix(trimmed, "d")
		days, err := strconv.ParseFloat(strings.TrimSpace(daysValue), 64)
		if err != nil {
			return 0, err
		}
		if days < 0 {
			return 0, errors.New("duration must be positive")
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	dur, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, err
	}
	if dur < 0 {
		return 0, errors.New("duration must be positive")
	}
	return dur, nil
}

// LookupIMAPEnv reads the IMAP environment without validating it.
// An unparseable port is reported as 0.
func LookupIMAPEnv() IMAPEnv {
	port, _ := strconv.Atoi(strings.TrimSpace(os.Getenv(envIMAPPort)))
	return IMAPEnv{
		Host: strings.TrimSpace(os.Getenv(envIMAPHost)),
		Port: port,
		User: strings.TrimSpace(os.Getenv(envIMAPUser)),
		Pass: strings.TrimSpace(os.Getenv(envIMAPPass)),
	}
}

// IMAPEnvFromEnv loads IMAP connection details and validates required entries.
func IMAPEnvFromEnv() (IMAPEnv, error) {
	missing := []string{}

	host := strings.TrimSpace(os.Getenv(envIMAPHost))
	if host == "" {
		missing = append(missing, envIMAPHost)
	}

	portRaw := strings.TrimSpace(os.Getenv(envIMAPPort))
	if portRaw == "" {
		missing = append(missing, envIMAPPort)
	}

	user := strings.TrimSpace(os.Getenv(envIMAPUser))
	if user == "" {
		missing = append(missing, envIMAPUser)
	}

	pass := strings.TrimSpace(os.Getenv(envIMAPPass))
	if pass == "" {
		missing = append(missing, envIMAPPass)
	}

	if len(missing) > 0 {
		return IMAPEnv{}, &ConfigurationError{Missing: missing}
	}

	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return IMAPEnv{}, &ConfigurationError{Reason: fmt.Sprintf("invalid %s: %v", envIMAPPort, err)}
	}

	return IMAPEnv{
		Host: host,
		Port: port,
		User: user,
		Pass: pass,
	}, nil
}

// Merge returns e with every non-empty field of override applied.
func (e IMAPEnv) Merge(override *IMAPEnv) IMAPEnv {
	if override == nil {
		return e
	}
	if strings.TrimSpace(override.Host) != "" {
		e.Host = strings.TrimSpace(override.Host)
	}
	if override.Port != 0 {
		e.Port = override.Port
	}
	if strings.TrimSpace(override.User) != "" {
		e.User = strings.TrimSpace(override.User)
	}
	if override.Pass != "" {
		e.Pass = override.Pass
	}
	return e
}

// ValidateCredentials fails fast on incomplete connection settings.
func ValidateCredentials(creds mailbox.Credentials) error {
	missing := []string{}
	if strings.TrimSpace(creds.Host) == "" {
		missing = append(missing, envIMAPHost)
	}
	if creds.Port <= 0 {
		missing = append(missing, envIMAPPort)
	}
	if strings.TrimSpace(creds.Username) == "" {
		missing = append(missing, envIMAPUser)
	}
	if creds.Password == "" {
		missing = append(missing, envIMAPPass)
	}
	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}
	return nil
}

// WebhookURL returns the downstream webhook base URL, or "".
func WebhookURL() string {
	return strings.TrimSpace(os.Getenv(envWebhookURL))
}

// ReportingEnabled returns true when a webhook URL is configured via env var.
func ReportingEnabled() bool {
	return WebhookURL() != ""
}

// Summary returns a concise config summary for validation runs.
func Summary(cfg Config) string {
	reportingStatus := "disabled"
	if ReportingEnabled() {
		reportingStatus = "enabled"
	}
	tlsStatus := "verified"
	if cfg.InsecureSkipVerify() {
		tlsStatus = "NOT verified"
	}
	return fmt.Sprintf(
		"Config summary\n"+
			"- mailbox: %s\n"+
			"- allowed senders: %s\n"+
			"- tls certificates: %s\n"+
			"- reporting webhook: %s",
		cfg.Mailbox,
		strings.Join(cfg.AllowedSenders, ", "),
		tlsStatus,
		reportingStatus,
	)
}
