package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Defaults mirror the notification server's documented behavior.
const (
	DefaultHTTPTimeout          = 15 * time.Second
	DefaultPollInterval         = 60 * time.Second
	DefaultHandshakeTimeout     = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultMaxReconnectDelay    = 5 * time.Minute
	DefaultStreamCooldown       = 5 * time.Minute
	DefaultIDDedupTTL           = 30 * time.Second
	DefaultFingerprintDedupTTL  = 5 * time.Second
	DefaultRenewalAge           = 30 * 24 * time.Hour
	DefaultRenewalPromptEvery   = 24 * time.Hour
	DefaultRenewalCheckSpec     = "@daily"
	DefaultIPCTimeout           = 9 * time.Second
	DefaultIPCAttempts          = 3
)

// ServerSettings is ServerConfig with durations parsed and defaults applied.
type ServerSettings struct {
	BaseURL     string
	HTTPTimeout time.Duration
}

type DeliverySettings struct {
	PollInterval         time.Duration
	HandshakeTimeout     time.Duration
	MaxReconnectAttempts int
	MaxReconnectDelay    time.Duration
	StreamCooldown       time.Duration
	IDDedupTTL           time.Duration
	FingerprintDedupTTL  time.Duration
}

type PushSettings struct {
	Enabled            bool
	EndpointBase       string
	RenewalAge         time.Duration
	RenewalPromptEvery time.Duration
	RenewalCheckSpec   string
}

type IPCSettings struct {
	RequestTimeout time.Duration
	RetryAttempts  int
}

func (s ServerConfig) Resolve() (ServerSettings, error) {
	base := strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if base == "" {
		return ServerSettings{}, fmt.Errorf("server.base_url is required")
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ServerSettings{}, fmt.Errorf("server.base_url: not an http(s) URL: %q", s.BaseURL)
	}
	timeout, err := ParseDurationOrDefault("server.http_timeout", s.HTTPTimeout, DefaultHTTPTimeout)
	if err != nil {
		return ServerSettings{}, err
	}
	return ServerSettings{BaseURL: base, HTTPTimeout: timeout}, nil
}

func (d Delivery) Resolve() (DeliverySettings, error) {
	out := DeliverySettings{MaxReconnectAttempts: d.MaxReconnectAttempts}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	var err error
	if out.PollInterval, err = ParseDurationOrDefault("delivery.poll_interval", d.PollInterval, DefaultPollInterval); err != nil {
		return out, err
	}
	if out.HandshakeTimeout, err = ParseDurationOrDefault("delivery.handshake_timeout", d.HandshakeTimeout, DefaultHandshakeTimeout); err != nil {
		return out, err
	}
	if out.MaxReconnectDelay, err = ParseDurationOrDefault("delivery.max_reconnect_delay", d.MaxReconnectDelay, DefaultMaxReconnectDelay); err != nil {
		return out, err
	}
	if out.StreamCooldown, err = ParseDurationOrDefault("delivery.stream_cooldown", d.StreamCooldown, DefaultStreamCooldown); err != nil {
		return out, err
	}
	if out.IDDedupTTL, err = ParseDurationOrDefault("delivery.id_dedup_ttl", d.IDDedupTTL, DefaultIDDedupTTL); err != nil {
		return out, err
	}
	if out.FingerprintDedupTTL, err = ParseDurationOrDefault("delivery.fingerprint_dedup_ttl", d.FingerprintDedupTTL, DefaultFingerprintDedupTTL); err != nil {
		return out, err
	}
	return out, nil
}

// Resolve applies push defaults. serverBase must already be resolved; it seeds
// the default endpoint base.
func (p PushConfig) Resolve(serverBase string) (PushSettings, error) {
	out := PushSettings{
		Enabled:          p.Enabled == nil || *p.Enabled,
		EndpointBase:     strings.TrimRight(strings.TrimSpace(p.EndpointBase), "/"),
		RenewalCheckSpec: strings.TrimSpace(p.RenewalCheckSpec),
	}
	if out.EndpointBase == "" {
		out.EndpointBase = serverBase + "/push"
	}
	if out.RenewalCheckSpec == "" {
		out.RenewalCheckSpec = DefaultRenewalCheckSpec
	}
	var err error
	if out.RenewalAge, err = ParseDurationOrDefault("push.renewal_age", p.RenewalAge, DefaultRenewalAge); err != nil {
		return out, err
	}
	if out.RenewalPromptEvery, err = ParseDurationOrDefault("push.renewal_prompt_every", p.RenewalPromptEvery, DefaultRenewalPromptEvery); err != nil {
		return out, err
	}
	return out, nil
}

func (c IPCConfig) Resolve() (IPCSettings, error) {
	out := IPCSettings{RetryAttempts: c.RetryAttempts}
	if out.RetryAttempts <= 0 {
		out.RetryAttempts = DefaultIPCAttempts
	}
	var err error
	if out.RequestTimeout, err = ParseDurationOrDefault("ipc.request_timeout", c.RequestTimeout, DefaultIPCTimeout); err != nil {
		return out, err
	}
	return out, nil
}

// Validate resolves every section and returns the first error. Used both at
// startup and as the Watch() validator so a bad edit never replaces a good
// running config.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	srv, err := c.Server.Resolve()
	if err != nil {
		return err
	}
	if _, err := c.Delivery.Resolve(); err != nil {
		return err
	}
	if _, err := c.Push.Resolve(srv.BaseURL); err != nil {
		return err
	}
	if _, err := c.IPC.Resolve(); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	return nil
}
