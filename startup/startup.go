package startup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

// ErrStartupLockTimeout is returned when another process holds the startup
// lock for longer than the configured number of polls.
var ErrStartupLockTimeout = errors.New("startup: waited too long for the startup lock")

var errStillLocked = errors.New("startup lock still held")

const (
	// DefaultPollInterval is the wait between two lock checks
	DefaultPollInterval = time.Second

	// DefaultMaxPolls is how many times a held lock is checked before giving up
	DefaultMaxPolls = 15

	minJitter = 100 * time.Millisecond
)

// KeyLoader loads the keys in use. keys.Manager implements it.
type KeyLoader interface {
	Load(ctx context.Context) error
}

// Provisioner creates the initial data of an empty deployment.
type Provisioner interface {
	Provision(ctx context.Context) error
}

// Options configures Run
type Options struct {
	// Provision requests provisioning when this process turns out to be first.
	Provision bool

	// PollInterval is the wait between lock checks. Default: 1s
	PollInterval time.Duration

	// MaxPolls bounds the lock checks after the first. Default: 15
	MaxPolls uint

	// Jitter returns the delay before the first lock check. The default is
	// uniformly random between 100ms and 1.1s, spreading out processes that
	// were started together.
	Jitter func() time.Duration

	Logger *slog.Logger
}

func defaultJitter() time.Duration {
	return minJitter + rand.N(time.Second)
}

// Run waits for its turn, provisions if first and asked to, loads the keys
// and releases the lock. It reports whether this process was first.
func Run(ctx context.Context, locks storage.LockStore, loader KeyLoader, prov Provisioner, opts Options) (first bool, err error) {
	if locks == nil || loader == nil {
		return false, fmt.Errorf("lock store and key loader are required")
	}
	if opts.Provision && prov == nil {
		return false, fmt.Errorf("provisioning requested without a provisioner")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxPolls == 0 {
		opts.MaxPolls = DefaultMaxPolls
	}
	if opts.Jitter == nil {
		opts.Jitter = defaultJitter
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := sleep(ctx, opts.Jitter()); err != nil {
		return false, err
	}

	first, err = waitForLock(ctx, locks, opts)
	if err != nil {
		return false, err
	}
	logger.Debug("Startup lock acquired", "first", first)

	if err := locks.SetStartupLock(ctx, true); err != nil {
		return false, fmt.Errorf("failed to set startup lock: %w", err)
	}
	defer func() {
		// release even when ctx is already done
		if relErr := locks.SetStartupLock(context.WithoutCancel(ctx), false); relErr != nil {
			logger.Error("Failed to release startup lock", "error", relErr)
			if err == nil {
				err = fmt.Errorf("failed to release startup lock: %w", relErr)
			}
		}
	}()

	if first && opts.Provision {
		logger.Warn("First process on startup, provisioning")
		if err := prov.Provision(ctx); err != nil {
			return first, fmt.Errorf("provisioning failed: %w", err)
		}
	}

	logger.Debug("Loading keys")
	if err := loader.Load(ctx); err != nil {
		return first, fmt.Errorf("failed to load keys: %w", err)
	}
	return first, nil
}

// waitForLock reports whether this process is the first since the lock key
// last expired. If another process holds the lock it polls until released.
func waitForLock(ctx context.Context, locks storage.LockStore, opts Options) (bool, error) {
	first, err := locks.TryStartupLock(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check startup lock: %w", err)
	}
	if first {
		return true, nil
	}

	operation := func() (struct{}, error) {
		exists, locked, err := locks.StartupLockState(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("failed to check startup lock: %w", err))
		}
		if exists && locked {
			return struct{}{}, errStillLocked
		}
		return struct{}{}, nil
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(opts.PollInterval)),
		backoff.WithMaxTries(opts.MaxPolls+1), // includes the immediate check
	)
	if errors.Is(err, errStillLocked) {
		return false, ErrStartupLockTimeout
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
