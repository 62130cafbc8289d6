// Package location maps abstract placement hints to node-selector labels of
// schedulable cluster nodes.
package location

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/cuemby/burrow/pkg/cluster"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
)

const (
	// HostnameLabel is the node label used to pin pods to a node.
	HostnameLabel = "kubernetes.io/hostname"

	// CacheTTL bounds how long a resolved node set is reused.
	CacheTTL = 10 * time.Minute
)

// Location is a placement hint. The zero value is Unspecified.
type Location struct {
	Key   string
	Value string
}

// Unspecified lets the cluster place pods anywhere.
var Unspecified = Location{}

// IsUnspecified reports whether l carries no placement constraint.
func (l Location) IsUnspecified() bool {
	return l.Key == "" && l.Value == ""
}

// NodeSelector returns the pod node selector for l, nil for Unspecified.
func (l Location) NodeSelector() map[string]string {
	if l.IsUnspecified() {
		return nil
	}
	return map[string]string{l.Key: l.Value}
}

func (l Location) String() string {
	if l.IsUnspecified() {
		return "unspecified"
	}
	return l.Key + "=" + l.Value
}

// Resolver discovers and caches the locations of the cluster. The cache is
// refreshed lazily, at most once per CacheTTL.
type Resolver struct {
	conn *cluster.Connection
	now  func() time.Time

	mu        sync.Mutex
	locations []Location
	fetchedAt time.Time
}

// NewResolver creates a resolver reading nodes through conn.
func NewResolver(conn *cluster.Connection) *Resolver {
	return &Resolver{conn: conn, now: time.Now}
}

// Available returns the known locations sorted by node label value.
// Unspecified is not part of the set.
func (r *Resolver) Available(ctx context.Context) ([]Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.fetchedAt.IsZero() && r.now().Sub(r.fetchedAt) < CacheTTL {
		return append([]Location(nil), r.locations...), nil
	}

	var nodes []corev1.Node
	err := r.conn.Do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
		list, err := c.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		nodes = list.Items
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	locations := make([]Location, 0, len(nodes))
	for _, node := range nodes {
		if node.Spec.Unschedulable {
			continue
		}
		if hostname, ok := node.Labels[HostnameLabel]; ok && hostname != "" {
			locations = append(locations, Location{Key: HostnameLabel, Value: hostname})
		}
	}
	sort.Slice(locations, func(i, j int) bool { return locations[i].Value < locations[j].Value })

	r.locations = locations
	r.fetchedAt = r.now()
	logger := log.WithComponent("location")
	logger.Debug().Int("count", len(locations)).Msg("refreshed cluster locations")
	return append([]Location(nil), locations...), nil
}

// Get returns the location at index in the sorted set.
func (r *Resolver) Get(ctx context.Context, index int) (Location, error) {
	locations, err := r.Available(ctx)
	if err != nil {
		return Location{}, err
	}
	if index < 0 || index >= len(locations) {
		return Location{}, errdefs.Constraint("location", "index %d out of range, %d locations known", index, len(locations))
	}
	return locations[index], nil
}

// GetByNode returns the location of the node named nodeName. With
// allowPartialMatch the first node whose name contains nodeName matches.
// Unknown names are an error, never Unspecified.
func (r *Resolver) GetByNode(ctx context.Context, nodeName string, allowPartialMatch bool) (Location, error) {
	locations, err := r.Available(ctx)
	if err != nil {
		return Location{}, err
	}
	for _, l := range locations {
		if l.Value == nodeName {
			return l, nil
		}
	}
	if allowPartialMatch {
		for _, l := range locations {
			if strings.Contains(l.Value, nodeName) {
				return l, nil
			}
		}
	}
	names := make([]string, 0, len(locations))
	for _, l := range locations {
		names = append(names, l.Value)
	}
	return Location{}, errdefs.Constraint("location", "no node named %q (known: %s)", nodeName, strings.Join(names, ", "))
}
