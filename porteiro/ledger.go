package porteiro

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// DefaultScopeExpiry is the safety-net delay after which a registered
// scope is forcibly released if no completion signal ever arrives (for
// example when a downstream error swallows the callback). Long on
// purpose: it only exists to stop slow leaks, not to cancel work.
const DefaultScopeExpiry = 5 * time.Minute

// pendingScope is a registered per-invocation resource awaiting its
// completion signal. Owned by the ledger from Register until release.
type pendingScope struct {
	correlationID string
	resource      io.Closer
	createdAt     time.Time
	expiry        *time.Timer
}

// ScopeLedger tracks resources whose release must wait for an
// out-of-band completion signal, keyed by the correlation ID of the
// triggering event. Every registered scope is released exactly once,
// either by Release or by the safety-net timer - never twice, never
// left open for the life of the process.
type ScopeLedger struct {
	mu     sync.Mutex
	scopes map[string]*pendingScope
	expiry time.Duration
	logger *slog.Logger

	// forced counts safety-net releases, for the status API
	forced int64
}

func NewScopeLedger(expiry time.Duration, logger *slog.Logger) *ScopeLedger {
	if expiry <= 0 {
		expiry = DefaultScopeExpiry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScopeLedger{
		scopes: map[string]*pendingScope{},
		expiry: expiry,
		logger: logger.With(loggerNameKey, "scope_ledger"),
	}
}

// Register takes ownership of resource under correlationID and arms the
// safety-net timer. At most one scope may exist per correlation ID: a
// duplicate registration closes the previous resource first, so nothing
// is silently dropped.
func (l *ScopeLedger) Register(correlationID string, resource io.Closer) {
	scope := &pendingScope{
		correlationID: correlationID,
		resource:      resource,
		createdAt:     time.Now(),
	}
	scope.expiry = time.AfterFunc(
		l.expiry, func() {
			l.expire(correlationID)
		},
	)

	l.mu.Lock()
	prev := l.scopes[correlationID]
	l.scopes[correlationID] = scope
	l.mu.Unlock()

	if prev != nil {
		l.logger.Warn(
			"duplicate scope registration, closing previous resource",
			"correlation_id", correlationID,
		)
		prev.expiry.Stop()
		l.close(prev)
	}
}

// Release disposes the resource registered under correlationID and
// reports whether a scope was actually released. Calling it again after
// the real completion or after a safety-net expiry is a no-op, not an
// error.
func (l *ScopeLedger) Release(correlationID string) bool {
	l.mu.Lock()
	scope, ok := l.scopes[correlationID]
	if ok {
		delete(l.scopes, correlationID)
	}
	l.mu.Unlock()

	if !ok {
		return false
	}
	scope.expiry.Stop()
	l.close(scope)
	return true
}

// Len returns the number of scopes still awaiting release.
func (l *ScopeLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.scopes)
}

// ForcedReleases returns how many scopes were reclaimed by the
// safety-net timer rather than a completion signal.
func (l *ScopeLedger) ForcedReleases() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.forced
}

// expire is the safety-net path. It logs loudly: a forced release means
// a completion signal was lost somewhere upstream.
func (l *ScopeLedger) expire(correlationID string) {
	l.mu.Lock()
	scope, ok := l.scopes[correlationID]
	if ok {
		delete(l.scopes, correlationID)
		l.forced++
	}
	l.mu.Unlock()

	if !ok {
		// Release won the race with the timer firing
		return
	}
	l.logger.Warn(
		"scope never released, forcing release",
		"correlation_id", correlationID,
		"age", time.Since(scope.createdAt),
	)
	l.close(scope)
}

func (l *ScopeLedger) close(scope *pendingScope) {
	if scope.resource == nil {
		return
	}
	if err := scope.resource.Close(); err != nil {
		l.logger.Error(
			"error closing scope resource",
			tint.Err(err),
			"correlation_id", scope.correlationID,
		)
	}
}
