package permission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/smallnest/permgate/internal/logger"
	"github.com/smallnest/permgate/types"
	"go.uber.org/zap"
)

const (
	// DefaultPromptTimeout bounds how long a request waits for a decision.
	DefaultPromptTimeout = 300 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown of one endpoint.
	DefaultShutdownTimeout = 5 * time.Second
	// DefaultMaxBodyBytes caps a permission request body.
	DefaultMaxBodyBytes = 10 * 1024 * 1024
)

// Option configures a Registry.
type Option func(*Registry)

// WithHost sets the bind host. Start fails with a bind error unless it is a
// loopback address.
func WithHost(host string) Option {
	return func(r *Registry) {
		if host != "" {
			r.opts.host = host
		}
	}
}

// WithPromptTimeout overrides the per-prompt wait bound for every session.
func WithPromptTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.opts.promptTimeout = d
		}
	}
}

// WithShutdownTimeout overrides how long Stop waits for connections to drain.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.opts.shutdownTimeout = d
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(r *Registry) {
		if n > 0 {
			r.opts.maxBodyBytes = n
		}
	}
}

// SessionInfo describes one live endpoint.
type SessionInfo struct {
	SessionID string   `json:"session_id"`
	Port      int      `json:"port"`
	Pending   int      `json:"pending"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// Registry maps session ids to live endpoints. Its lock only guards the
// map; starting, stopping and waiting all happen outside it.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	notifier  Notifier
	opts      endpointOptions
}

// NewRegistry creates an empty registry. A nil notifier drops notifications.
func NewRegistry(notifier Notifier, opts ...Option) *Registry {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	r := &Registry{
		endpoints: make(map[string]*Endpoint),
		notifier:  notifier,
		opts: endpointOptions{
			host:            "127.0.0.1",
			promptTimeout:   DefaultPromptTimeout,
			shutdownTimeout: DefaultShutdownTimeout,
			maxBodyBytes:    DefaultMaxBodyBytes,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start binds a new endpoint for sessionID and returns its port. A live
// endpoint already registered under sessionID is stopped and replaced.
func (r *Registry) Start(ctx context.Context, sessionID string) (int, error) {
	ep, err := startEndpoint(sessionID, r.notifier, r.opts)
	if err != nil {
		logger.Error("Failed to start permission server",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return 0, err
	}

	r.mu.Lock()
	displaced := r.endpoints[sessionID]
	r.endpoints[sessionID] = ep
	r.mu.Unlock()

	logger.Info("Permission prompt server listening",
		zap.String("session_id", sessionID),
		zap.Int("port", ep.Port()))

	if displaced != nil {
		logger.Warn("Replacing live permission server",
			zap.String("session_id", sessionID),
			zap.Int("old_port", displaced.Port()))
		displaced.Stop(ctx)
	}
	return ep.Port(), nil
}

// Stop tears down the session's endpoint. Unknown sessions are a no-op.
func (r *Registry) Stop(ctx context.Context, sessionID string) {
	r.mu.Lock()
	ep, ok := r.endpoints[sessionID]
	if ok {
		delete(r.endpoints, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	ep.Stop(ctx)
}

// Rekey moves the endpoint registered under oldID to newID without touching
// its listener or pending prompts. Unknown oldID is a no-op.
func (r *Registry) Rekey(oldID, newID string) {
	if oldID == newID {
		return
	}

	r.mu.Lock()
	ep, ok := r.endpoints[oldID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.endpoints, oldID)
	ep.setSessionID(newID)
	displaced := r.endpoints[newID]
	r.endpoints[newID] = ep
	r.mu.Unlock()

	logger.Info("Re-keyed permission server",
		zap.String("old_id", oldID),
		zap.String("new_id", newID))

	if displaced != nil {
		logger.Warn("Rekey displaced a live permission server",
			zap.String("session_id", newID),
			zap.Int("port", displaced.Port()))
		displaced.Stop(context.Background())
	}
}

// Resolve delivers a decision to one pending prompt, exactly once.
func (r *Registry) Resolve(sessionID, promptID string, d Decision) error {
	ep, ok := r.lookup(sessionID)
	if !ok {
		return types.NewSessionNotFound(sessionID)
	}
	if err := d.Validate(); err != nil {
		return types.NewInvalidDecision(err)
	}
	if err := ep.Resolve(promptID, d); err != nil {
		return err
	}

	logger.Info("Permission prompt resolved",
		zap.String("session_id", sessionID),
		zap.String("prompt_id", promptID),
		zap.String("behavior", string(d.Behavior)))
	return nil
}

// SetArtifacts records the files removed when the session stops.
func (r *Registry) SetArtifacts(sessionID string, paths ...string) error {
	ep, ok := r.lookup(sessionID)
	if !ok {
		return types.NewSessionNotFound(sessionID)
	}
	ep.setArtifacts(paths)
	return nil
}

// Port returns the port of a live session.
func (r *Registry) Port(sessionID string) (int, bool) {
	ep, ok := r.lookup(sessionID)
	if !ok {
		return 0, false
	}
	return ep.Port(), true
}

// Pending lists the prompts still waiting in a session.
func (r *Registry) Pending(sessionID string) ([]PromptEvent, error) {
	ep, ok := r.lookup(sessionID)
	if !ok {
		return nil, types.NewSessionNotFound(sessionID)
	}
	return ep.Pending(), nil
}

// Sessions lists live endpoints sorted by session id.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.RLock()
	infos := make([]SessionInfo, 0, len(r.endpoints))
	for id, ep := range r.endpoints {
		infos = append(infos, SessionInfo{
			SessionID: id,
			Port:      ep.Port(),
			Pending:   ep.PendingCount(),
			Artifacts: ep.Artifacts(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].SessionID < infos[j].SessionID })
	return infos
}

// Close stops every endpoint. The registry stays usable afterwards.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	endpoints := r.endpoints
	r.endpoints = make(map[string]*Endpoint)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep *Endpoint) {
			defer wg.Done()
			ep.Stop(ctx)
		}(ep)
	}
	wg.Wait()
}

func (r *Registry) lookup(sessionID string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[sessionID]
	return ep, ok
}
