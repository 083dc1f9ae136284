package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/mayday/internal/alert"
)

// DefaultPriorityMarkers is the marker list used when none is configured.
const DefaultPriorityMarkers = "MAYDAY=critical,E HELP=critical,U HELP=elevated,HELP=standard"

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	ActiveAlertTimeoutMS int
	PriorityMarkers      string
	DefaultChannelID     string
	BroadcastRoles       string
	DedupSize            int
	DedupWindow          time.Duration

	RedisURL     string
	RedisChannel string
	DatabaseURL  string

	AckEndpoint       string
	AckToken          string
	AckTimeoutSeconds int
	SlackWebhookURL   string

	IngestRPS   float64
	IngestBurst int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on the API and websocket")

	fs.IntVar(&c.ActiveAlertTimeoutMS, "active-alert-timeout-ms", 120000, "milliseconds an active alert waits for a response before it expires (1000..3600000)")
	fs.StringVar(&c.PriorityMarkers, "priority-markers", DefaultPriorityMarkers, "ordered marker=tier list; the first marker found in content wins")
	fs.StringVar(&c.DefaultChannelID, "default-channel-id", "general", "channel for alerts that name none")
	fs.StringVar(&c.BroadcastRoles, "broadcast-roles", "", "comma separated roles allowed to receive untargeted alerts (empty = everyone)")
	fs.IntVar(&c.DedupSize, "dedup-size", 10000, "alert ids remembered per recipient for duplicate suppression")
	fs.DurationVar(&c.DedupWindow, "dedup-window", 24*time.Hour, "how long an alert id is remembered")

	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for shared dedup and the Pub/Sub inbound transport (empty = disabled)")
	fs.StringVar(&c.RedisChannel, "redis-channel", "mayday:alerts", "Redis Pub/Sub channel carrying inbound alert events")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory history)")

	fs.StringVar(&c.AckEndpoint, "ack-endpoint", "", "base URL acknowledgments are sent to (empty = acknowledge locally)")
	fs.StringVar(&c.AckToken, "ack-token", "", "bearer token sent to the acknowledgment endpoint")
	fs.IntVar(&c.AckTimeoutSeconds, "ack-timeout-seconds", 10, "timeout for one outbound acknowledgment (1..120)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for missed-alert notifications")

	fs.Float64Var(&c.IngestRPS, "ingest-rps", 20, "per-client alert ingest rate (requests per second)")
	fs.IntVar(&c.IngestBurst, "ingest-burst", 40, "per-client alert ingest burst")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	if c.ActiveAlertTimeoutMS < 1000 || c.ActiveAlertTimeoutMS > 3600000 {
		errs = append(errs, fmt.Errorf("invalid ACTIVE_ALERT_TIMEOUT_MS %d (must be 1000..3600000)", c.ActiveAlertTimeoutMS))
	}
	if _, err := c.Markers(); err != nil {
		errs = append(errs, fmt.Errorf("invalid PRIORITY_MARKERS: %w", err))
	}
	if strings.TrimSpace(c.DefaultChannelID) == "" {
		errs = append(errs, errors.New("DEFAULT_CHANNEL_ID is required"))
	}
	if c.DedupSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid DEDUP_SIZE %d (must be positive)", c.DedupSize))
	}
	if c.DedupWindow <= 0 {
		errs = append(errs, fmt.Errorf("invalid DEDUP_WINDOW %s (must be positive)", c.DedupWindow))
	}

	if c.RedisURL != "" {
		if _, err := redis.ParseURL(c.RedisURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid REDIS_URL: %w", err))
		}
		if c.RedisChannel == "" {
			errs = append(errs, errors.New("REDIS_CHANNEL is required when REDIS_URL is set"))
		}
	}

	if c.AckEndpoint != "" {
		if err := checkHTTPURL(c.AckEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("invalid ACK_ENDPOINT: %w", err))
		}
	}
	if c.AckTimeoutSeconds <= 0 || c.AckTimeoutSeconds > 120 {
		errs = append(errs, fmt.Errorf("invalid ACK_TIMEOUT_SECONDS %d (must be 1..120)", c.AckTimeoutSeconds))
	}
	if c.SlackWebhookURL != "" {
		if err := checkHTTPURL(c.SlackWebhookURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid SLACK_WEBHOOK_URL: %w", err))
		}
	}

	if c.IngestRPS <= 0 {
		errs = append(errs, fmt.Errorf("invalid INGEST_RPS %g (must be positive)", c.IngestRPS))
	}
	if c.IngestBurst <= 0 {
		errs = append(errs, fmt.Errorf("invalid INGEST_BURST %d (must be positive)", c.IngestBurst))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ActiveAlertTimeout returns the active alert expiry as a duration.
func (c *Config) ActiveAlertTimeout() time.Duration {
	return time.Duration(c.ActiveAlertTimeoutMS) * time.Millisecond
}

// Markers parses PriorityMarkers.
func (c *Config) Markers() ([]alert.Marker, error) {
	return alert.ParseMarkers(c.PriorityMarkers)
}

// BroadcastRoleList splits BroadcastRoles, dropping blanks.
func (c *Config) BroadcastRoleList() []string {
	var out []string
	for r := range strings.SplitSeq(c.BroadcastRoles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func checkHTTPURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
