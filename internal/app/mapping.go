package app

import (
	"net/http"
	"strings"
	"time"

	"carposter/internal/auction"
	"carposter/internal/config"
	"carposter/internal/delivery"
	"carposter/internal/media"
	"carposter/internal/observability/pprof"
	"carposter/internal/publish"
	"carposter/internal/services/retention"
	"carposter/internal/storage"
	"carposter/internal/transport/telegram"
	logx "carposter/pkg/logx"
)

const (
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 60 * time.Second
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		BufferSize: cfg.Logging.BufferSize,
	}
}

// mapStorage falls back to an in-memory store when storage is disabled:
// the publisher always needs somewhere to record sent messages.
func mapStorage(cfg *config.Config) (storage.Config, bool) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "none" {
		return storage.Config{Driver: "memory"}, false
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: config.Duration(sc.BusyTimeout, 0),
	}, true
}

func mapTelegram(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      cfg.Telegram.APIURL,
		SendTimeout: config.Duration(cfg.Telegram.SendTimeout, config.DefaultSendTimeout),
	}
}

func mapAuction(cfg *config.Config) auction.Config {
	a := cfg.Auction
	return auction.Config{
		APIURL:       a.APIURL,
		ImageHost:    a.ImageHost,
		SiteURL:      a.SiteURL,
		ListTimeout:  config.Duration(a.ListTimeout, auction.DefaultListTimeout),
		PhotoTimeout: config.Duration(a.PhotoTimeout, auction.DefaultPhotoTimeout),
		PageSize:     a.PageSize,
	}
}

func mapMedia(cfg *config.Config) media.Config {
	img := cfg.Publish.Image
	return media.Config{
		Timeout:      config.Duration(img.FetchTimeout, config.DefaultFetchTimeout),
		MaxDimension: img.MaxDimension,
		Quality:      img.Quality,
		MaxBytes:     img.MaxBytes,
		MaxPixels:    img.MaxPixels,
	}
}

func mapPublish(cfg *config.Config) publish.Options {
	p := cfg.Publish
	return publish.Options{
		Pace: config.Duration(p.Pace, config.DefaultPace),
		Policy: delivery.Policy{
			MaxAttempts:    p.MaxAttempts,
			NetworkBackoff: config.Duration(p.NetworkBackoff, config.DefaultNetworkBackoff),
			ErrorBackoff:   config.Duration(p.ErrorBackoff, config.DefaultErrorBackoff),
		},
	}
}

func mapRetention(cfg *config.Config) retention.Config {
	r := cfg.Retention
	return retention.Config{
		Enabled:  r.Enabled,
		Schedule: r.Schedule,
		MaxAge:   config.Duration(r.MaxAge, 0),
		Timezone: r.Timezone,
		Timeout:  config.Duration(r.Timeout, 0),
	}
}

func mapHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	addr := strings.TrimSpace(cfg.HTTP.Addr)
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       config.Duration(cfg.HTTP.ReadTimeout, defaultReadTimeout),
		WriteTimeout:      config.Duration(cfg.HTTP.WriteTimeout, defaultWriteTimeout),
	}
}

func corsOrigins(cfg *config.Config) []string {
	if len(cfg.HTTP.CORSOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.HTTP.CORSOrigins
}

func mapPprof(cfg *config.Config) pprof.Config {
	p := cfg.Debug.Pprof
	return pprof.Config{
		Enabled:       p.Enabled,
		Addr:          strings.TrimSpace(p.Addr),
		Token:         strings.TrimSpace(p.Token),
		AllowInsecure: p.AllowInsecure,
	}
}
