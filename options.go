package hub

import (
	"log/slog"
	"net"

	"github.com/swax/naisys-hub/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying options.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	cfg         *config.Config
	port        int
	databaseURL string
	notifyURL   string
	listener    net.Listener
	logger      *slog.Logger
	version     string
}

// WithConfig uses cfg instead of reading the environment. The config is
// still validated.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.cfg = &cfg }
}

// WithPort overrides the TCP port from config (HUB_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the store DSN from config (HUB_DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY
// (HUB_NOTIFY_URL env var). Only meaningful with a Postgres store.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithListener serves on l instead of listening on the configured port.
func WithListener(l net.Listener) Option {
	return func(o *resolvedOptions) { o.listener = l }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}
