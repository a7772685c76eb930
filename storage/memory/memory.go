package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dsav-dodeka/dodeka-oauth/instrumentation"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

const storageType = "memory"

// entry is a value with an optional expiry. A zero expiresAt never expires.
type entry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e entry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type userRecord struct {
	user storage.User
	info storage.IdentityInfo
}

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.Mutex

	authRequests   map[string]entry[storage.AuthRequest]
	loginStates    map[string]entry[storage.LoginState]
	flowUsers      map[string]entry[storage.FlowUser]
	registerStates map[string]entry[storage.RegisterState]
	keyCache       map[string][]byte
	startupLock    *entry[bool]

	refreshTokens map[int64]storage.SavedRefreshToken
	nextRefreshID int64

	users       map[string]*userRecord
	usersByMail map[string]string

	keySet      string
	keys        []storage.KeyInfo
	opaqueSetup string

	now func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	flowCount    atomic.Int64
	refreshCount atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var (
	_ storage.FlowStore  = (*Store)(nil)
	_ storage.KeyCache   = (*Store)(nil)
	_ storage.LockStore  = (*Store)(nil)
	_ storage.TokenStore = (*Store)(nil)
	_ storage.UserStore  = (*Store)(nil)
	_ storage.KeyStore   = (*Store)(nil)
)

// New creates an in-memory store that sweeps expired entries every minute.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store with a custom sweep interval.
// A non-positive interval uses one minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		authRequests:    make(map[string]entry[storage.AuthRequest]),
		loginStates:     make(map[string]entry[storage.LoginState]),
		flowUsers:       make(map[string]entry[storage.FlowUser]),
		registerStates:  make(map[string]entry[storage.RegisterState]),
		keyCache:        make(map[string][]byte),
		refreshTokens:   make(map[int64]storage.SavedRefreshToken),
		users:           make(map[string]*userRecord),
		usersByMail:     make(map[string]string),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used for expiry. Tests use it to move
// past TTLs without sleeping.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store and
// registers the size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.flowCount.Store(int64(s.flowLenLocked()))
	s.refreshCount.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.flowCount.Load() },
		func() int64 { return s.refreshCount.Load() },
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop stops the background sweep. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) flowLenLocked() int {
	return len(s.authRequests) + len(s.loginStates) + len(s.flowUsers) + len(s.registerStates)
}

func (s *Store) syncCountsLocked() {
	s.flowCount.Store(int64(s.flowLenLocked()))
	s.refreshCount.Store(int64(len(s.refreshTokens)))
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func sweep[T any](m map[string]entry[T], now time.Time) int {
	n := 0
	for k, e := range m {
		if e.expired(now) {
			delete(m, k)
			n++
		}
	}
	return n
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := sweep(s.authRequests, now) +
		sweep(s.loginStates, now) +
		sweep(s.flowUsers, now) +
		sweep(s.registerStates, now)
	if s.startupLock != nil && s.startupLock.expired(now) {
		s.startupLock = nil
	}

	s.syncCountsLocked()
	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// startStorageSpan starts a span for a storage operation. Without a tracer
// it returns the span already in ctx.
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, storageType),
		))
}

// recordStorageOperation records metrics for a storage operation and sets the
// span status. ErrNotFound counts as a miss, not an error.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	switch {
	case err == nil:
		instrumentation.SetSpanSuccess(span)
	case isNotFound(err):
		result = "miss"
		instrumentation.SetSpanSuccess(span)
	default:
		result = "error"
		instrumentation.RecordError(span, err)
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

// observe wraps one store operation in a span and a metric.
func (s *Store) observe(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, span := s.startStorageSpan(ctx, operation)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	s.recordStorageOperation(ctx, span, operation, err, start)
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func notFound(what, key string) error {
	return fmt.Errorf("%s %q: %w", what, key, storage.ErrNotFound)
}
