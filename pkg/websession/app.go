// Package websession implements the session and authorization core of the
// server: per-session authenticated identity, permission-filtered project
// and connection visibility, and the lifecycle of asynchronous background
// tasks spawned on behalf of a session.
package websession

import (
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/cloudquay/cloudquay/pkg/audit"
	"github.com/cloudquay/cloudquay/pkg/platform"
	"github.com/cloudquay/cloudquay/pkg/rm"
	"github.com/cloudquay/cloudquay/pkg/security"
)

// App is the process-lifetime context shared by all sessions. It owns the
// task-id counter, the controllers, the auth-change bus and the audit
// logger, so that sessions carry no package-level state.
type App struct {
	cfg      *platform.Config
	security security.Controller
	rm       rm.Controller
	bus      *Bus
	auditor  audit.Logger
	logger   *slog.Logger

	taskID atomic.Int64
}

// AppOption customizes an App.
type AppOption func(*App)

// WithAuditLogger sets the audit logger. Defaults to a no-op logger.
func WithAuditLogger(l audit.Logger) AppOption {
	return func(a *App) { a.auditor = l }
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) AppOption {
	return func(a *App) { a.logger = l }
}

// NewApp creates the process context for the session core.
func NewApp(cfg *platform.Config, sec security.Controller, rmc rm.Controller, opts ...AppOption) *App {
	a := &App{
		cfg:      cfg,
		security: sec,
		rm:       rmc,
		bus:      NewBus(),
		auditor:  audit.NopLogger{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Config returns the server configuration.
func (a *App) Config() *platform.Config { return a.cfg }

// Security returns the security controller.
func (a *App) Security() security.Controller { return a.security }

// RM returns the resource-manager controller.
func (a *App) RM() rm.Controller { return a.rm }

// Bus returns the session-handler event bus.
func (a *App) Bus() *Bus { return a.bus }

// Audit returns the audit logger.
func (a *App) Audit() audit.Logger { return a.auditor }

// nextTaskID allocates a process-wide unique task id. Ids are never reused
// for the lifetime of the process.
func (a *App) nextTaskID() string {
	return strconv.FormatInt(a.taskID.Add(1), 10)
}
