package config

// Config is notifyd's on-disk configuration. Fields holding durations are Go
// duration strings (e.g. "500ms", "60s", "5m"); zero/omitted values fall
// back to the defaults listed per field.
type Config struct {
	Server   ServerConfig  `json:"server"`
	Delivery Delivery      `json:"delivery,omitempty"`
	Push     PushConfig    `json:"push,omitempty"`
	Storage  StorageConfig `json:"storage,omitempty"`
	Logging  LoggingConfig `json:"logging,omitempty"`
	IPC      IPCConfig     `json:"ipc,omitempty"`
}

// ServerConfig points at the notification server all transports talk to.
type ServerConfig struct {
	// BaseURL is required, e.g. "https://notify.example.com".
	BaseURL string `json:"base_url"`

	// HTTPTimeout bounds individual poll/registration requests.
	// Default: "15s". It does not apply to the long-lived event stream.
	HTTPTimeout string `json:"http_timeout,omitempty"`
}

// Delivery tunes the connection supervisor. Defaults reproduce the server's
// documented behavior; override only for tests or unusual deployments.
//
// Defaults:
//   - poll_interval: "60s"
//   - handshake_timeout: "30s"
//   - max_reconnect_attempts: 10
//   - max_reconnect_delay: "5m"
//   - stream_cooldown: "5m" (poll-mode stream re-probe)
//   - id_dedup_ttl: "30s"
//   - fingerprint_dedup_ttl: "5s"
type Delivery struct {
	PollInterval         string `json:"poll_interval,omitempty"`
	HandshakeTimeout     string `json:"handshake_timeout,omitempty"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts,omitempty"`
	MaxReconnectDelay    string `json:"max_reconnect_delay,omitempty"`
	StreamCooldown       string `json:"stream_cooldown,omitempty"`
	IDDedupTTL           string `json:"id_dedup_ttl,omitempty"`
	FingerprintDedupTTL  string `json:"fingerprint_dedup_ttl,omitempty"`
}

// PushConfig controls the platform push registration manager.
//
// Enabled is a pointer so omitting the field means enabled.
type PushConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// EndpointBase is the push service under which minted subscription
	// endpoints live. Default: "<server.base_url>/push".
	EndpointBase string `json:"endpoint_base,omitempty"`

	// RenewalAge is the subscription age after which a renewal prompt is
	// due. Default: "720h" (30 days).
	RenewalAge string `json:"renewal_age,omitempty"`

	// RenewalPromptEvery limits how often the prompt is re-raised.
	// Default: "24h".
	RenewalPromptEvery string `json:"renewal_prompt_every,omitempty"`

	// RenewalCheckSpec is the cron spec for the renewal check.
	// Default: "@daily".
	RenewalCheckSpec string `json:"renewal_check_spec,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifyd.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) or "file"
	Path        string `json:"path,omitempty"`   // default "./notifyd.db"
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// IPCConfig tunes the foreground/background request channel.
//
// Defaults: request_timeout "9s", retry_attempts 3.
type IPCConfig struct {
	RequestTimeout string `json:"request_timeout,omitempty"`
	RetryAttempts  int    `json:"retry_attempts,omitempty"`
}

func (c *Config) PushEnabled() bool {
	return c.Push.Enabled == nil || *c.Push.Enabled
}
