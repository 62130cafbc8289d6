package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/location"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/recipe"
	"github.com/cuemby/burrow/pkg/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run -f FILE",
	Short: "Start a container group from a YAML file and keep it running",
	Long: `Start a container group described in a YAML file, print its
addresses and keep it running until interrupted. The group is stopped on
exit; the namespace is kept.

Example:
  burrow run -f storage.yaml`,
	RunE: runGroup,
}

func init() {
	runCmd.Flags().StringP("file", "f", "", "YAML file describing the group")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while running")
	runCmd.MarkFlagRequired("file")
}

// GroupResource is the YAML form of one container group.
type GroupResource struct {
	Kind     string        `yaml:"kind"`
	Metadata GroupMetadata `yaml:"metadata"`
	Spec     GroupSpec     `yaml:"spec"`
}

type GroupMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

type GroupSpec struct {
	Image        string            `yaml:"image"`
	ImageEnv     string            `yaml:"imageEnv,omitempty"`
	Replicas     int               `yaml:"replicas"`
	Node         string            `yaml:"node,omitempty"`
	NameOverride string            `yaml:"nameOverride,omitempty"`
	LogLevel     string            `yaml:"logLevel,omitempty"`
	Exposed      string            `yaml:"exposed,omitempty"`
	Internal     []string          `yaml:"internal,omitempty"`
	PinnedPorts  map[string]int32  `yaml:"pinnedPorts,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	Volumes      []VolumeSpec      `yaml:"volumes,omitempty"`
	Resources    ResourceSpec      `yaml:"resources,omitempty"`
}

type VolumeSpec struct {
	Name      string `yaml:"name"`
	MountPath string `yaml:"mountPath"`
	Size      string `yaml:"size"`
}

// ResourceSpec uses Kubernetes quantity notation ("250m", "512Mi").
type ResourceSpec struct {
	CPURequest    string `yaml:"cpuRequest,omitempty"`
	CPULimit      string `yaml:"cpuLimit,omitempty"`
	MemoryRequest string `yaml:"memoryRequest,omitempty"`
	MemoryLimit   string `yaml:"memoryLimit,omitempty"`
}

func parseGroup(data []byte) (*GroupResource, error) {
	var g GroupResource
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %v", err)
	}
	if g.Kind != "Group" {
		return nil, fmt.Errorf("unsupported resource kind: %s", g.Kind)
	}
	if g.Metadata.Name == "" {
		return nil, fmt.Errorf("metadata.name is required")
	}
	if g.Spec.Image == "" {
		return nil, fmt.Errorf("spec.image is required")
	}
	if g.Spec.Replicas == 0 {
		g.Spec.Replicas = 1
	}
	return &g, nil
}

// Factory turns the group into a recipe factory.
func (g *GroupResource) Factory() (*recipe.ImageFactory, error) {
	res, err := g.Spec.Resources.toRecipe()
	if err != nil {
		return nil, err
	}
	f := &recipe.ImageFactory{
		Name:         g.Metadata.Name,
		Image:        g.Spec.Image,
		ImageEnvVar:  g.Spec.ImageEnv,
		ExposedTag:   g.Spec.Exposed,
		InternalTags: g.Spec.Internal,
		PinnedPorts:  g.Spec.PinnedPorts,
		Env:          g.Spec.Env,
		Resources:    res,
	}
	for _, v := range g.Spec.Volumes {
		size, err := resource.ParseQuantity(v.Size)
		if err != nil {
			return nil, fmt.Errorf("volume %s: invalid size %q: %v", v.Name, v.Size, err)
		}
		f.Volumes = append(f.Volumes, recipe.VolumeMount{Name: v.Name, MountPath: v.MountPath, SizeBytes: size.Value()})
	}
	return f, nil
}

func (r ResourceSpec) toRecipe() (recipe.Resources, error) {
	var out recipe.Resources
	fields := []struct {
		name   string
		value  string
		target *int64
		milli  bool
	}{
		{"cpuRequest", r.CPURequest, &out.CPURequestMillis, true},
		{"cpuLimit", r.CPULimit, &out.CPULimitMillis, true},
		{"memoryRequest", r.MemoryRequest, &out.MemoryRequestBytes, false},
		{"memoryLimit", r.MemoryLimit, &out.MemoryLimitBytes, false},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		q, err := resource.ParseQuantity(f.value)
		if err != nil {
			return out, fmt.Errorf("resources.%s: %v", f.name, err)
		}
		if f.milli {
			*f.target = q.MilliValue()
		} else {
			*f.target = q.Value()
		}
	}
	return out, nil
}

func runGroup(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}
	group, err := parseGroup(data)
	if err != nil {
		return err
	}
	factory, err := group.Factory()
	if err != nil {
		return err
	}

	d, err := newDriver()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	loc := location.Unspecified
	if group.Spec.Node != "" {
		loc, err = location.NewResolver(d.Connection()).GetByNode(ctx, group.Spec.Node, true)
		if err != nil {
			return err
		}
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics server failed", err)
			}
		}()
		defer srv.Close()
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe(events.EventContainersStarted, events.EventContainersStopping, events.EventCrashDetected)
	go logEvents(sub)

	hooks := events.NewHooks(broker)
	hooks.Labels = group.Metadata.Labels
	opts := cfg.WorkflowOptions()
	opts.Hooks = hooks
	opts.CrashLog = hooks.CrashLog(nil)
	wf := workflow.New(d, opts)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Starting %d %s container(s) in %s...\n", group.Spec.Replicas, group.Metadata.Name, d.Namespace())
	pod, err := wf.Start(ctx, group.Spec.Replicas, loc, factory, recipe.StartupConfig{
		NameOverride: group.Spec.NameOverride,
		LogLevel:     group.Spec.LogLevel,
	})
	if err != nil {
		return err
	}
	printPod(out, pod)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Group is running. Press Ctrl+C to stop.")
	<-ctx.Done()

	fmt.Fprintln(out, "\nStopping...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.OperationTimeout.Std())
	defer stopCancel()
	if err := wf.Stop(stopCtx, pod); err != nil {
		return fmt.Errorf("failed to stop group: %w", err)
	}
	broker.Unsubscribe(sub)
	fmt.Fprintln(out, "✓ Group stopped")
	return nil
}

func printPod(out io.Writer, pod *workflow.RunningPod) {
	fmt.Fprintf(out, "✓ Pod %s running on %s (%s)\n", pod.Name(), pod.NodeName(), pod.IP())
	for _, c := range pod.Containers() {
		fmt.Fprintf(out, "  %s\n", c)
		ports := c.Recipe().AllPorts()
		sort.Slice(ports, func(i, j int) bool { return ports[i].Tag < ports[j].Tag })
		for _, p := range ports {
			for _, a := range c.Addresses(p.Tag) {
				scope := "external"
				if a.InternalOnly {
					scope = "internal"
				}
				fmt.Fprintf(out, "    %-10s %-8s %s\n", p.Tag, scope, a)
			}
		}
	}
}

func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for e := range sub {
		logger.Info().Str("type", string(e.Type)).Str("id", e.ID).Msg(e.Message)
	}
}
