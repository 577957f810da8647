// Package updates is a fork of the gotd updates state engine.
//
// It keeps the user's pts/qts/date/seq sequence counters and the per-channel
// pts counters in persistent storage, detects gaps in the update stream,
// recovers them with updates.getDifference and updates.getChannelDifference,
// and hands the resulting ordered, deduplicated stream to a handler.
//
// Changes from upstream: access hashes for both channels and users are
// recorded into an AccessHasher as they are observed in difference responses,
// channel gaps for channels with unknown hashes are recovered through a
// difference fetch instead of being dropped, and a manager that has not been
// started passes envelopes through to the handler unmodified so the same
// object can drive a plain dispatcher during login.
package updates

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const (
	diffLimitUser = 100
	diffLimitBot  = 100000

	gapTimeout  = 500 * time.Millisecond
	idleTimeout = 15 * time.Minute
)

// Config is the Manager configuration.
type Config struct {
	// Handler receives ordered, deduplicated updates. Must not be nil.
	Handler telegram.UpdateHandler
	// OnChannelTooLong is called when a channel's local pts is too far
	// behind for getChannelDifference to replay the missed updates.
	OnChannelTooLong func(channelID int64) error
	// Storage persists pts/qts/date/seq and per-channel pts.
	// In-memory storage is used if nil.
	Storage StateStorage
	// AccessHasher persists channel and user access hashes.
	// In-memory storage is used if nil.
	AccessHasher AccessHasher
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
}

func (cfg *Config) setDefaults() {
	if cfg.Handler == nil {
		panic("Handler is nil")
	}
	if cfg.Storage == nil {
		cfg.Storage = newMemStorage()
	}
	if cfg.AccessHasher == nil {
		cfg.AccessHasher = newMemAccessHasher()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = noop.NewTracerProvider()
	}
}

// AuthOptions are the options of the authorized user passed to Run.
type AuthOptions struct {
	IsBot bool
	// Forget drops the stored state and re-anchors on the server's current
	// state instead of recovering the difference since the stored one.
	Forget bool
	// OnStart is called when the state has been loaded and catch-up has
	// been scheduled, right before update processing begins.
	OnStart func(ctx context.Context)
}

// Manager deals with gaps.
//
// Until Run is called the manager is a passthrough: Handle forwards envelopes
// straight to the configured handler without sequence tracking.
type Manager struct {
	cfg Config

	mux   sync.Mutex
	state *internalState
}

// New creates a new update manager.
func New(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{cfg: cfg}
}

// Handle processes one updates envelope from the server.
func (m *Manager) Handle(ctx context.Context, u tg.UpdatesClass) error {
	m.mux.Lock()
	state := m.state
	m.mux.Unlock()

	if state == nil {
		return m.cfg.Handler.Handle(ctx, u)
	}
	return state.Push(ctx, u)
}

// Run is the main loop of the manager. It initializes the state of the given
// user, recovers updates missed since the persisted state, and blocks
// processing updates until ctx is canceled.
func (m *Manager) Run(ctx context.Context, api *tg.Client, userID int64, auth AuthOptions) error {
	state, err := newInternalState(ctx, stateConfig{
		client:           api,
		selfID:           userID,
		storage:          m.cfg.Storage,
		hasher:           m.cfg.AccessHasher,
		handler:          m.cfg.Handler,
		onChannelTooLong: m.cfg.OnChannelTooLong,
		log:              m.cfg.Logger.Named("state"),
		tracer:           m.cfg.TracerProvider.Tracer("telegram.updates"),
		diffLimit: func() int {
			if auth.IsBot {
				return diffLimitBot
			}
			return diffLimitUser
		}(),
		forget: auth.Forget,
	})
	if err != nil {
		return errors.Wrap(err, "init state")
	}

	m.mux.Lock()
	if m.state != nil {
		m.mux.Unlock()
		return errors.New("updates manager is already running")
	}
	m.state = state
	m.mux.Unlock()

	defer func() {
		m.mux.Lock()
		m.state = nil
		m.mux.Unlock()
	}()

	if auth.OnStart != nil {
		auth.OnStart(ctx)
	}
	return state.Run(ctx)
}
