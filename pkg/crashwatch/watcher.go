// Package crashwatch polls the restart count of one container in the
// background and captures the log of the crashed instance.
package crashwatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/driver"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
)

// CrashMarker is written to the log handler before the previous instance's
// log.
const CrashMarker = "--- crash detected ---"

const (
	MinInterval     = time.Second
	MaxInterval     = 10 * time.Second
	DefaultInterval = 5 * time.Second
)

// State is the lifecycle state of a Watcher.
type State int

const (
	StateIdle State = iota
	StateWatching
	StateCrashDetected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWatching:
		return "watching"
	case StateCrashDetected:
		return "crash-detected"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Source reads container state from the cluster. *driver.Driver satisfies it.
type Source interface {
	RestartCount(ctx context.Context, h *driver.PodHandle, container string) (int32, error)
	DownloadPodLog(ctx context.Context, h *driver.PodHandle, container string, handler driver.LineHandler, opts driver.LogOptions) error
}

// Config configures a Watcher.
type Config struct {
	// Interval between restart count reads. Zero means DefaultInterval.
	Interval time.Duration
	// Handler receives the marker and the crashed instance's log. Nil
	// discards them.
	Handler driver.LineHandler
}

// Watcher detects the first restart of one container.
type Watcher struct {
	src       Source
	pod       *driver.PodHandle
	container string
	interval  time.Duration
	handler   driver.LineHandler
	logger    zerolog.Logger

	mu           sync.Mutex
	state        State
	crashed      bool
	restartCount int32
	err          error
	cancel       context.CancelFunc
	done         chan struct{}
}

// New creates an idle watcher for container in pod.
func New(src Source, pod *driver.PodHandle, container string, cfg Config) (*Watcher, error) {
	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval || interval > MaxInterval {
		return nil, errdefs.Constraint("crash watcher", "interval %s outside [%s, %s]", interval, MinInterval, MaxInterval)
	}
	return newWatcher(src, pod, container, interval, cfg.Handler), nil
}

func newWatcher(src Source, pod *driver.PodHandle, container string, interval time.Duration, handler driver.LineHandler) *Watcher {
	if handler == nil {
		handler = func(string) {}
	}
	return &Watcher{
		src:       src,
		pod:       pod,
		container: container,
		interval:  interval,
		handler:   handler,
		logger:    log.WithPod(pod.Namespace, pod.DeploymentName, pod.PodName).With().Str("container", container).Logger(),
		state:     StateIdle,
	}
}

// Start launches the polling goroutine. The goroutine lives until Stop is
// called or a crash has been handled; ctx only carries values and deadlines
// into the control-plane calls.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateIdle {
		return errdefs.Constraint("crash watcher", "cannot start in state %s", w.state)
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.state = StateWatching
	go w.run(ctx)

	w.logger.Debug().Dur("interval", w.interval).Msg("crash watcher started")
	return nil
}

// Stop cancels the goroutine, waits for it to exit and returns the error it
// captured, if any. If a crash is being handled, Stop returns after the
// previous instance's log has been delivered.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateStopped
	return w.err
}

// State returns the current state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// HasCrashed reports whether the container has restarted, reading the
// restart count now instead of waiting for the next poll.
func (w *Watcher) HasCrashed(ctx context.Context) (bool, error) {
	w.mu.Lock()
	crashed := w.crashed
	w.mu.Unlock()
	if crashed {
		return true, nil
	}

	count, err := w.src.RestartCount(ctx, w.pod, w.container)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if w.poll(ctx) {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// poll reads the restart count once and reports whether the loop is done.
func (w *Watcher) poll(ctx context.Context) bool {
	count, err := w.src.RestartCount(ctx, w.pod, w.container)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		w.fail(fmt.Errorf("read restart count: %w", err))
		return true
	}

	w.mu.Lock()
	w.restartCount = count
	w.mu.Unlock()
	if count == 0 {
		return false
	}

	w.mu.Lock()
	w.crashed = true
	w.state = StateCrashDetected
	w.mu.Unlock()
	metrics.CrashesDetected.Inc()
	w.logger.Warn().Int32("restarts", count).Msg("container crash detected")

	// The log download must finish even if Stop arrives meanwhile.
	w.handler(CrashMarker)
	err = w.src.DownloadPodLog(context.WithoutCancel(ctx), w.pod, w.container, w.handler, driver.LogOptions{Previous: true})
	if err != nil {
		w.fail(fmt.Errorf("download crashed instance log: %w", err))
	}
	return true
}

func (w *Watcher) fail(err error) {
	w.logger.Error().Err(err).Msg("crash watcher failed")
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

// Err returns the error that ended the goroutine, if any.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// RestartCount returns the restart count seen by the last poll.
func (w *Watcher) RestartCount() int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restartCount
}
