package config

import (
	"reflect"
	"strings"

	logx "carposter/pkg/logx"
)

// Sections that can be applied without a restart.
var hotSections = map[string]bool{
	"logging":      true,
	"destinations": true,
	"retention":    true,
	"publish":      true,
	"cleanup":      true,
}

// ChangeSummary describes the difference between two configs.
type ChangeSummary struct {
	// Changed lists section names in a stable order.
	Changed []string
	// Fields are safe to log: they never carry tokens or passwords.
	Fields []logx.Field
	// RestartRequired lists changed sections that only take effect on restart.
	RestartRequired []string
}

func (s ChangeSummary) Has(section string) bool {
	for _, c := range s.Changed {
		if c == section {
			return true
		}
	}
	return false
}

// SummarizeChange compares two configs section by section.
func SummarizeChange(oldCfg, newCfg *Config) ChangeSummary {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var s ChangeSummary
	mark := func(section string, fields ...logx.Field) {
		s.Changed = append(s.Changed, section)
		s.Fields = append(s.Fields, fields...)
		if !hotSections[section] {
			s.RestartRequired = append(s.RestartRequired, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		mark("telegram",
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.String("telegram.send_timeout", strings.TrimSpace(newCfg.Telegram.SendTimeout)))
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		mark("http",
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.password_changed", oldCfg.HTTP.AdminPassword != newCfg.HTTP.AdminPassword))
	}
	if !reflect.DeepEqual(oldCfg.Destinations, newCfg.Destinations) {
		mark("destinations", logx.Int("destinations.count", len(newCfg.Destinations)))
	}
	if !reflect.DeepEqual(oldCfg.Auction, newCfg.Auction) {
		mark("auction", logx.String("auction.api_url", newCfg.Auction.APIURL))
	}
	if !reflect.DeepEqual(oldCfg.Publish, newCfg.Publish) {
		mark("publish",
			logx.String("publish.pace", newCfg.Publish.Pace),
			logx.Int("publish.max_attempts", newCfg.Publish.MaxAttempts))
	}
	if oldCfg.Cleanup != newCfg.Cleanup {
		mark("cleanup", logx.Any("cleanup.rate_per_sec", newCfg.Cleanup.RatePerSec))
	}
	if oldCfg.Retention != newCfg.Retention {
		mark("retention",
			logx.Bool("retention.enabled", newCfg.Retention.Enabled),
			logx.String("retention.schedule", newCfg.Retention.Schedule),
			logx.String("retention.max_age", newCfg.Retention.MaxAge))
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage", logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled))
	}
	if oldCfg.Debug != newCfg.Debug {
		mark("debug",
			logx.Bool("debug.pprof_enabled", newCfg.Debug.Pprof.Enabled),
			logx.String("debug.pprof_addr", newCfg.Debug.Pprof.Addr))
	}
	return s
}
