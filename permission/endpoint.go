package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/permgate/internal/logger"
	"github.com/smallnest/permgate/types"
	"go.uber.org/zap"
)

type endpointOptions struct {
	host            string
	promptTimeout   time.Duration
	shutdownTimeout time.Duration
	maxBodyBytes    int64
}

// Endpoint is one session's loopback permission server.
type Endpoint struct {
	port     int
	server   *http.Server
	pending  *pendingTable
	notifier Notifier
	opts     endpointOptions

	// sessionID is read at notification time so a rekey reaches in-flight requests.
	idMu      sync.RWMutex
	sessionID string

	artifactsMu sync.Mutex
	artifacts   []string

	stopping atomic.Bool
	stopOnce sync.Once
	served   chan struct{}

	beforeNotify atomic.Pointer[func()]
}

// IsLoopbackHost reports whether host is "localhost" or a loopback IP.
func IsLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

func startEndpoint(sessionID string, notifier Notifier, opts endpointOptions) (*Endpoint, error) {
	if !IsLoopbackHost(opts.host) {
		return nil, types.NewBindError(sessionID, fmt.Errorf("host %q is not a loopback address", opts.host))
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(opts.host, "0"))
	if err != nil {
		return nil, types.NewBindError(sessionID, err)
	}
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		_ = ln.Close()
		return nil, types.NewBindError(sessionID, errors.New("listener is not tcp"))
	}

	e := &Endpoint{
		port:      addr.Port,
		pending:   newPendingTable(),
		notifier:  notifier,
		opts:      opts,
		sessionID: sessionID,
		served:    make(chan struct{}),
	}
	// No WriteTimeout: a handler legitimately holds its response for the whole prompt timeout.
	e.server = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		defer close(e.served)
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Permission server error",
				zap.Int("port", e.port),
				zap.Error(err))
		}
		logger.Info("Permission server shut down", zap.Int("port", e.port))
	}()

	return e, nil
}

// Port returns the bound loopback port.
func (e *Endpoint) Port() int {
	return e.port
}

// SessionID returns the current session identifier.
func (e *Endpoint) SessionID() string {
	e.idMu.RLock()
	defer e.idMu.RUnlock()
	return e.sessionID
}

func (e *Endpoint) setSessionID(id string) {
	e.idMu.Lock()
	e.sessionID = id
	e.idMu.Unlock()
}

// Artifacts returns the generated file paths removed on Stop.
func (e *Endpoint) Artifacts() []string {
	e.artifactsMu.Lock()
	defer e.artifactsMu.Unlock()
	return append([]string(nil), e.artifacts...)
}

func (e *Endpoint) setArtifacts(paths []string) {
	e.artifactsMu.Lock()
	e.artifacts = append([]string(nil), paths...)
	e.artifactsMu.Unlock()
}

// PendingCount returns the number of suspended requests.
func (e *Endpoint) PendingCount() int {
	return e.pending.len()
}

// Pending returns the outstanding prompts stamped with the current session id.
func (e *Endpoint) Pending() []PromptEvent {
	events := e.pending.snapshot()
	sid := e.SessionID()
	for i := range events {
		events[i].SessionID = sid
	}
	return events
}

// ServeHTTP serves POST /permission-prompt and 404s everything else.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != PromptPath || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var req Request
	body := http.MaxBytesReader(w, r.Body, e.opts.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		logger.Warn("Invalid permission request body",
			zap.String("session_id", e.SessionID()),
			zap.Error(err))
		http.Error(w, "invalid permission request", http.StatusBadRequest)
		return
	}

	decision := e.handlePrompt(req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(decision); err != nil {
		// The bridge went away; the decision was still settled.
		logger.Debug("Failed to write permission decision", zap.Error(err))
	}
}

func (e *Endpoint) handlePrompt(req Request) Decision {
	if e.stopping.Load() {
		return Deny(MessageCancelled)
	}

	promptID := uuid.New().String()
	s, err := e.pending.insert(promptID, PromptEvent{
		PromptID: promptID,
		ToolName: req.ToolName,
		Input:    req.Input,
	})
	if err != nil {
		logger.Warn("Rejecting permission request",
			zap.String("session_id", e.SessionID()),
			zap.String("tool", req.ToolName),
			zap.Error(err))
		return Deny(MessageCancelled)
	}

	if hook := e.beforeNotify.Load(); hook != nil {
		(*hook)()
	}

	event := PromptEvent{
		PromptID:  promptID,
		SessionID: e.SessionID(),
		ToolName:  req.ToolName,
		Input:     req.Input,
	}
	logger.Info("Permission prompt received",
		zap.String("session_id", event.SessionID),
		zap.String("prompt_id", promptID),
		zap.String("tool", req.ToolName),
		zap.String("tool_use_id", req.ToolUseID))
	e.notify(event)

	return e.await(promptID, s)
}

func (e *Endpoint) notify(event PromptEvent) {
	for _, channel := range []string{SessionChannel(event.SessionID), GlobalChannel} {
		if err := e.notifier.Notify(channel, event); err != nil {
			logger.Debug("Permission prompt notification dropped",
				zap.String("channel", channel),
				zap.String("prompt_id", event.PromptID),
				zap.Error(err))
		}
	}
}

// await blocks on the slot, outside every lock. Whoever removes the table
// entry first (timeout here, or Resolve/drain) decides the outcome.
func (e *Endpoint) await(promptID string, s *slot) Decision {
	timer := time.NewTimer(e.opts.promptTimeout)
	defer timer.Stop()

	select {
	case d, ok := <-s.ch:
		if !ok {
			return Deny(MessageCancelled)
		}
		return d
	case <-timer.C:
		if e.pending.remove(promptID) {
			s.abandon()
			logger.Info("Permission prompt timed out",
				zap.String("session_id", e.SessionID()),
				zap.String("prompt_id", promptID))
			return Deny(MessageTimedOut)
		}
		// Lost the race: the owner settles the slot without blocking.
		if d, ok := <-s.ch; ok {
			return d
		}
		return Deny(MessageCancelled)
	}
}

// Resolve delivers d to the request suspended on promptID.
func (e *Endpoint) Resolve(promptID string, d Decision) error {
	s, ok := e.pending.take(promptID)
	if !ok {
		return types.NewPromptNotFound(e.SessionID(), promptID)
	}
	if !s.deliver(d) {
		return types.NewDeliveryFailure(e.SessionID(), promptID)
	}
	return nil
}

// Stop denies every pending prompt, shuts the listener down and removes
// the artifacts. Safe to call more than once.
func (e *Endpoint) Stop(ctx context.Context) {
	e.stopOnce.Do(func() {
		e.stopping.Store(true)
		denied := e.pending.drain()

		shutdownCtx, cancel := context.WithTimeout(ctx, e.opts.shutdownTimeout)
		if err := e.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Permission server did not drain in time, closing",
				zap.Int("port", e.port),
				zap.Error(err))
			_ = e.server.Close()
		}
		cancel()

		e.cleanupArtifacts()

		logger.Info("Permission server stopped and cleaned up",
			zap.String("session_id", e.SessionID()),
			zap.Int("port", e.port),
			zap.Int("denied_pending", denied))
	})
}

func (e *Endpoint) cleanupArtifacts() {
	for _, path := range e.Artifacts() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("Failed to remove bridge artifact",
				zap.String("path", path),
				zap.Error(err))
		}
	}
}
