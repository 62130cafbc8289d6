package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/crashwatch"
	"github.com/cuemby/burrow/pkg/driver"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/location"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/naming"
	"github.com/cuemby/burrow/pkg/recipe"
)

// Numbers holds one counter per numbering concern so container ordinals,
// port numbers and workflow ordinals never share a space.
type Numbers struct {
	Containers *naming.NumberSource
	Ports      *naming.NumberSource
	Workflows  *naming.NumberSource
}

// NewNumbers returns counters starting at 1, except ports which start at
// recipe.DefaultFirstPort.
func NewNumbers() Numbers {
	return Numbers{
		Containers: naming.NewNumberSource(1),
		Ports:      naming.NewNumberSource(recipe.DefaultFirstPort),
		Workflows:  naming.NewNumberSource(1),
	}
}

// Options configures a Workflow.
type Options struct {
	// Hooks observes recipes and pods. Nil means NopHooks.
	Hooks Hooks
	// Numbers overrides the counters. Share one Numbers between workflows
	// that deploy into the same namespace.
	Numbers *Numbers
	// WatchCrashes attaches a crash watcher to every started container.
	WatchCrashes bool
	// CrashInterval is the crash watcher poll interval.
	CrashInterval time.Duration
	// CrashLog returns the handler receiving the crashed instance's log of
	// c. Nil writes the lines to the logger.
	CrashLog func(c *RunningContainer) driver.LineHandler
}

// Workflow starts and stops groups of containers built from recipe
// factories.
type Workflow struct {
	driver *driver.Driver
	hooks  Hooks
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	numbers Numbers
}

// New creates a workflow deploying through d.
func New(d *driver.Driver, opts Options) *Workflow {
	w := &Workflow{
		driver: d,
		hooks:  opts.Hooks,
		opts:   opts,
		logger: log.WithComponent("workflow").With().Str("namespace", d.Namespace()).Logger(),
	}
	if w.hooks == nil {
		w.hooks = NopHooks{}
	}
	if opts.Numbers != nil {
		w.numbers = *opts.Numbers
	} else {
		w.numbers = NewNumbers()
	}
	return w
}

// Driver returns the driver used by the workflow.
func (w *Workflow) Driver() *driver.Driver { return w.driver }

// Start builds count recipes with factory and runs them as one pod at loc.
// It returns once every container is running and its addresses are known.
func (w *Workflow) Start(ctx context.Context, count int, loc location.Location, factory recipe.Factory, cfg recipe.StartupConfig) (*RunningPod, error) {
	if count < 1 {
		return nil, errdefs.Constraint("start "+factory.AppName(), "container count must be positive, got %d", count)
	}

	number, recipes, err := w.createRecipes(count, factory, cfg)
	if err != nil {
		return nil, err
	}

	handle, err := w.driver.BringOnline(ctx, recipes, loc)
	if err != nil {
		return nil, fmt.Errorf("start %d %s container(s): %w", count, factory.AppName(), err)
	}

	conn := w.driver.Connection()
	pod := &RunningPod{handle: handle, number: number}
	for _, r := range recipes {
		pod.containers = append(pod.containers, &RunningContainer{
			name:       r.Name(),
			recipe:     r,
			pod:        pod,
			addresses:  resolveAddresses(handle, r, conn.ExternalHost()),
			runsInside: conn.RunsInsideCluster(),
			source:     w.driver,
		})
	}

	if w.opts.WatchCrashes {
		if err := w.startWatchers(ctx, pod); err != nil {
			return nil, err
		}
	}

	metrics.PodsStarted.WithLabelValues(factory.AppName()).Inc()
	metrics.ContainersRunning.Add(float64(len(pod.containers)))
	w.hooks.OnContainersStarted(pod)

	w.logger.Info().
		Int("workflow", number).
		Str("app", factory.AppName()).
		Str("pod", pod.Name()).
		Str("location", loc.String()).
		Int("containers", len(pod.containers)).
		Msg("containers started")
	return pod, nil
}

func (w *Workflow) createRecipes(count int, factory recipe.Factory, cfg recipe.StartupConfig) (int, []*recipe.Recipe, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	number := w.numbers.Workflows.Next()
	cf := recipe.NewComponentFactory(w.numbers.Ports)
	recipes := make([]*recipe.Recipe, 0, count)
	for i := 0; i < count; i++ {
		r, err := recipe.CreateRecipe(factory, i, w.numbers.Containers.Next(), cf, cfg, w.hooks.OnRecipeFinalized)
		if err != nil {
			return 0, nil, err
		}
		recipes = append(recipes, r)
	}
	return number, recipes, nil
}

func (w *Workflow) startWatchers(ctx context.Context, pod *RunningPod) error {
	// Watchers outlive the Start call; only Stop ends them.
	ctx = context.WithoutCancel(ctx)
	for i, c := range pod.containers {
		watcher, err := crashwatch.New(w.driver, pod.handle, c.name, crashwatch.Config{
			Interval: w.opts.CrashInterval,
			Handler:  w.crashLogHandler(c),
		})
		if err == nil {
			err = watcher.Start(ctx)
		}
		if err != nil {
			for _, started := range pod.containers[:i] {
				_ = started.watcher.Stop()
			}
			return fmt.Errorf("watch %s: %w", c.name, err)
		}
		c.watcher = watcher
	}
	return nil
}

func (w *Workflow) crashLogHandler(c *RunningContainer) driver.LineHandler {
	if w.opts.CrashLog != nil {
		return w.opts.CrashLog(c)
	}
	logger := log.WithContainer(c.name).With().Str("namespace", w.driver.Namespace()).Str("pod", c.pod.Name()).Logger()
	return func(line string) {
		logger.Warn().Msg(line)
	}
}

// Stop stops the crash watchers of pod and deletes its objects. Errors
// captured by the watchers are returned once, even when a failed Stop is
// retried. Stopping a pod twice is a constraint error.
func (w *Workflow) Stop(ctx context.Context, pod *RunningPod) error {
	pod.mu.Lock()
	if pod.stopped {
		pod.mu.Unlock()
		return errdefs.Constraint("pod "+pod.Name(), "already stopped")
	}
	pod.stopped = true
	pod.mu.Unlock()

	w.hooks.OnContainersStopping(pod)

	var errs []error
	for _, c := range pod.containers {
		if c.watcher == nil || c.joined {
			continue
		}
		err := c.watcher.Stop()
		c.joined = true
		if err != nil {
			errs = append(errs, fmt.Errorf("crash watcher of %s: %w", c.name, err))
		}
	}

	if err := w.driver.Stop(ctx, pod.handle); err != nil {
		pod.mu.Lock()
		pod.stopped = false
		pod.mu.Unlock()
		return errors.Join(append(errs, err)...)
	}

	metrics.PodsStopped.Inc()
	metrics.ContainersRunning.Sub(float64(len(pod.containers)))
	w.logger.Info().Str("pod", pod.Name()).Int("workflow", pod.number).Msg("containers stopped")
	return errors.Join(errs...)
}

// DownloadLog streams the log of c to handler. A positive tailLines limits
// the output to the last lines.
func (w *Workflow) DownloadLog(ctx context.Context, c *RunningContainer, handler driver.LineHandler, tailLines int64) error {
	opts := driver.LogOptions{}
	if tailLines > 0 {
		opts.TailLines = &tailLines
	}
	return w.driver.DownloadPodLog(ctx, c.pod.handle, c.name, handler, opts)
}

// ExecuteCommand runs command in c and returns its standard output. Output
// on standard error is logged, not returned as an error.
func (w *Workflow) ExecuteCommand(ctx context.Context, c *RunningContainer, command string, args ...string) (string, error) {
	if c.pod.Stopped() {
		return "", errdefs.Constraint(c.name, "pod %s is stopped", c.pod.Name())
	}
	res, err := w.driver.Execute(ctx, c.pod.handle, c.name, command, args...)
	if res.Stderr != "" {
		w.logger.Warn().Str("container", c.name).Str("command", command).Str("stderr", res.Stderr).Msg("command wrote to stderr")
	}
	return res.Stdout, err
}

// DeleteNamespace removes the namespace with every pod in it.
func (w *Workflow) DeleteNamespace(ctx context.Context) error {
	return w.driver.DeleteNamespace(ctx)
}

// DeleteNamespacesStartingWith removes every namespace whose name starts
// with prefix.
func (w *Workflow) DeleteNamespacesStartingWith(ctx context.Context, prefix string) error {
	return w.driver.DeleteAllNamespacesStartingWith(ctx, prefix)
}
