package driver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes"

	"github.com/cuemby/burrow/pkg/cluster"
	"github.com/cuemby/burrow/pkg/location"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/naming"
	"github.com/cuemby/burrow/pkg/recipe"
	"github.com/cuemby/burrow/pkg/waiter"
)

const (
	// PodUIDLabel carries a fresh random value per BringOnline call. The
	// deployment, its services and the pod lookup select on it.
	PodUIDLabel = "burrow.dev/pod-uid"

	// ManagedByLabel marks every object created by the driver.
	ManagedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "burrow"

	// NetworkPolicyName is the namespace-wide isolation policy.
	NetworkPolicyName = "burrow-isolation"

	// NamespaceNameLabel is set by the API server on every namespace.
	NamespaceNameLabel = "kubernetes.io/metadata.name"
)

// Config holds the driver settings.
type Config struct {
	// Namespace receives every deployment of this driver.
	Namespace string
	// RunnerNamespace hosts the test runner; it may reach the pods.
	RunnerNamespace string
	// MetricsNamespace hosts the metrics scraper; it may reach the pods.
	MetricsNamespace string
	// OperationTimeout bounds every convergence wait.
	OperationTimeout time.Duration
	// PollInterval is the fixed delay between convergence checks.
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.RunnerNamespace == "" {
		c.RunnerNamespace = "default"
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = "monitoring"
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
}

// PodHandle identifies the objects created by one BringOnline call.
type PodHandle struct {
	Namespace      string
	DeploymentName string
	PodName        string
	PodIP          string
	NodeName       string
	// PodLabel is the value of PodUIDLabel for this group.
	PodLabel string
	// InternalService is the ClusterIP service covering every port. Empty
	// when no recipe has a port.
	InternalService string
	// ExternalService is the NodePort service covering exposed ports. Empty
	// when no recipe exposes a port.
	ExternalService string
	PVCs            []string
	Location        location.Location
	Recipes         []*recipe.Recipe
	// NodePorts maps recipe name to port tag to the node port assigned by
	// the external service.
	NodePorts map[string]map[string]int32
}

// ServiceDNSName returns the in-cluster DNS name of the internal service.
func (h *PodHandle) ServiceDNSName() string {
	if h.InternalService == "" {
		return ""
	}
	return fmt.Sprintf("%s.%s.svc.cluster.local", h.InternalService, h.Namespace)
}

// NodePort returns the node port assigned to tag of recipe r.
func (h *PodHandle) NodePort(r *recipe.Recipe, tag string) (int32, bool) {
	ports, ok := h.NodePorts[r.Name()]
	if !ok {
		return 0, false
	}
	p, ok := ports[tag]
	return p, ok
}

// Option configures a Driver.
type Option func(*Driver)

// WithExecutor replaces the SPDY exec implementation.
func WithExecutor(e Executor) Option {
	return func(d *Driver) { d.executor = e }
}

// Driver turns recipes into deployments, services, volumes and policies on
// one namespace of the cluster.
type Driver struct {
	conn     *cluster.Connection
	cfg      Config
	waiter   *waiter.Waiter
	executor Executor
	logger   zerolog.Logger

	mu          sync.Mutex
	deployments *naming.NumberSource
}

// New creates a driver for cfg.Namespace.
func New(conn *cluster.Connection, cfg Config, opts ...Option) (*Driver, error) {
	cfg.Namespace = naming.FormatClusterName(cfg.Namespace)
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("namespace required")
	}
	cfg.applyDefaults()

	d := &Driver{
		conn:        conn,
		cfg:         cfg,
		waiter:      waiter.New(cfg.OperationTimeout, cfg.PollInterval),
		executor:    NewSPDYExecutor(conn.RESTConfig()),
		logger:      log.WithNamespace(cfg.Namespace).With().Str("component", "driver").Logger(),
		deployments: naming.NewNumberSource(1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Namespace returns the namespace managed by the driver.
func (d *Driver) Namespace() string {
	return d.cfg.Namespace
}

// Connection returns the connection used by the driver.
func (d *Driver) Connection() *cluster.Connection {
	return d.conn
}

func (d *Driver) do(ctx context.Context, fn func(ctx context.Context, c kubernetes.Interface) error) error {
	return d.conn.Do(ctx, fn)
}

func (d *Driver) nextDeploymentName(recipes []*recipe.Recipe) string {
	names := make([]string, 0, len(recipes))
	for _, r := range recipes {
		names = append(names, r.Name())
	}
	base := naming.Truncate(naming.FormatClusterName(strings.Join(names, "-")), 48)
	if base == "" || base[0] < 'a' || base[0] > 'z' {
		base = "d" + base
	}

	d.mu.Lock()
	n := d.deployments.Next()
	d.mu.Unlock()
	return fmt.Sprintf("%s-w%d", base, n)
}

func ignoreNotFound(err error) error {
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}
