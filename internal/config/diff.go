package config

import (
	"reflect"
	"sort"
	"strings"

	"notifyd/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging the reload.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Server.BaseURL) != strings.TrimSpace(newCfg.Server.BaseURL) ||
		strings.TrimSpace(oldCfg.Server.HTTPTimeout) != strings.TrimSpace(newCfg.Server.HTTPTimeout) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.base_url", strings.TrimSpace(newCfg.Server.BaseURL)),
			logx.String("server.http_timeout", strings.TrimSpace(newCfg.Server.HTTPTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.poll_interval", strings.TrimSpace(newCfg.Delivery.PollInterval)),
			logx.Int("delivery.max_reconnect_attempts", newCfg.Delivery.MaxReconnectAttempts),
			logx.String("delivery.stream_cooldown", strings.TrimSpace(newCfg.Delivery.StreamCooldown)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Push, newCfg.Push) {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.Bool("push.enabled", newCfg.PushEnabled()),
			logx.String("push.renewal_age", strings.TrimSpace(newCfg.Push.RenewalAge)),
			logx.String("push.renewal_check_spec", strings.TrimSpace(newCfg.Push.RenewalCheckSpec)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.IPC != newCfg.IPC {
		changed = append(changed, "ipc")
		attrs = append(attrs,
			logx.String("ipc.request_timeout", strings.TrimSpace(newCfg.IPC.RequestTimeout)),
			logx.Int("ipc.retry_attempts", newCfg.IPC.RetryAttempts),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
