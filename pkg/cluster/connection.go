// Package cluster resolves control-plane credentials and hands out the single
// serialized handle every other package uses to talk to the cluster.
package cluster

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
)

// Options controls how the connection is established.
type Options struct {
	// Kubeconfig is a path to a kubeconfig file. Empty means in-cluster
	// credentials, then KUBECONFIG, then ~/.kube/config.
	Kubeconfig string
	// ExternalHost overrides the host derived from the API server URL.
	ExternalHost string
	// InCluster forces the caller location. Nil means autodetect.
	InCluster *bool
}

// Connection is a thread-safe handle to the administrative API. Requests are
// serialized: only one is in flight per Connection at a time.
type Connection struct {
	mu         sync.Mutex
	client     kubernetes.Interface
	restConfig *rest.Config
	host       string
	runsInside bool
}

// Connect resolves credentials and creates a Connection.
func Connect(opts Options) (*Connection, error) {
	cfg, inside, err := resolveConfig(opts.Kubeconfig)
	if err != nil {
		return nil, err
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}

	host := strings.TrimSpace(opts.ExternalHost)
	if host == "" {
		host, err = hostFromURL(cfg.Host)
		if err != nil {
			return nil, err
		}
	}
	if opts.InCluster != nil {
		inside = *opts.InCluster
	}

	conn := NewConnection(clientset, cfg, host, inside)
	logger := log.WithComponent("cluster")
	logger.Info().
		Str("api", cfg.Host).
		Str("external_host", host).
		Bool("in_cluster", inside).
		Msg("connected to control plane")
	return conn, nil
}

// NewConnection wraps an existing client. restConfig may be nil when exec is
// not needed, as in tests with a fake clientset.
func NewConnection(client kubernetes.Interface, restConfig *rest.Config, externalHost string, runsInside bool) *Connection {
	return &Connection{
		client:     client,
		restConfig: restConfig,
		host:       externalHost,
		runsInside: runsInside,
	}
}

// Do runs fn with exclusive use of the client.
func (c *Connection) Do(ctx context.Context, fn func(ctx context.Context, client kubernetes.Interface) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	err := fn(ctx, c.client)
	if err != nil {
		metrics.ControlPlaneRequests.WithLabelValues("error").Inc()
	} else {
		metrics.ControlPlaneRequests.WithLabelValues("ok").Inc()
	}
	return err
}

// RESTConfig returns the client configuration, needed for exec streams.
func (c *Connection) RESTConfig() *rest.Config {
	return c.restConfig
}

// ExternalHost is the address at which node ports are reachable from outside
// the cluster.
func (c *Connection) ExternalHost() string {
	return c.host
}

// RunsInsideCluster reports whether this process runs in a pod of the
// cluster. It decides which container address callers receive.
func (c *Connection) RunsInsideCluster() bool {
	return c.runsInside
}

func resolveConfig(kubeconfig string) (*rest.Config, bool, error) {
	if kubeconfig == "" {
		cfg, err := rest.InClusterConfig()
		if err == nil {
			return cfg, true, nil
		}
		kubeconfig = strings.TrimSpace(os.Getenv("KUBECONFIG"))
	}

	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, false, fmt.Errorf("load kubeconfig: %w", err)
	}
	return cfg, false, nil
}

func hostFromURL(raw string) (string, error) {
	if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
		return u.Hostname(), nil
	}
	// rest.Config.Host may be a bare host:port
	if h, _, err := net.SplitHostPort(raw); err == nil && h != "" {
		return h, nil
	}
	if raw == "" {
		return "", fmt.Errorf("api server url is empty")
	}
	return raw, nil
}
