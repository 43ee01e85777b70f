package event

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/logger"
)

const cleanerTimeout = 10 * time.Second

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc adapts a plain function to Callable.
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error { return f(ctx) }

type namedCallable struct {
	name     string
	callable Callable
}

// Cleaner runs registered shutdown steps once, newest first, then flushes the logger.
type Cleaner struct {
	cleaners       []namedCallable
	mu             sync.Mutex
	initOnce       sync.Once
	cleanOnce      sync.Once
	cleaning       bool
	loggerShutdown Callable
	stop           context.CancelFunc
	result         error
}

func NewCleaner() *Cleaner {
	return &Cleaner{}
}

func (c *Cleaner) Add(name string, callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner", "name", name)
		return
	}
	c.cleaners = append(c.cleaners, namedCallable{name: name, callable: callable})
}

// Init returns a context that is cancelled on SIGINT/SIGTERM. The caller's loop exits on it
// and then calls Clean.
func (c *Cleaner) Init(parent context.Context, loggerShutdown Callable) context.Context {
	ctx := parent
	c.initOnce.Do(func() {
		c.loggerShutdown = loggerShutdown
		ctx, c.stop = signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	})
	return ctx
}

func (c *Cleaner) Clean() error {
	c.cleanOnce.Do(func() {
		if c.stop != nil {
			c.stop()
		}

		c.mu.Lock()
		c.cleaning = true
		cleanersCopy := make([]namedCallable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		var errs []error
		for i := len(cleanersCopy) - 1; i >= 0; i-- {
			entry := cleanersCopy[i]
			func() {
				logger.DebugF("Invoking cleaner %s", entry.name)
				timeoutCtx, cancel := context.WithTimeout(context.Background(), cleanerTimeout)
				defer cancel()
				if err := entry.callable.Invoke(timeoutCtx); err != nil {
					logger.ErrorF("Cleaner %s failed: %v", entry.name, err)
					errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
				}
			}()
		}

		if len(errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup", len(errs))
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		logger.Info("Cleanup finished, client offline")

		if c.loggerShutdown != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := c.loggerShutdown.Invoke(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
			}
		}
		c.result = errors.Join(errs...)
	})
	return c.result
}
