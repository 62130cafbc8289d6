package workflow

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/cuemby/burrow/pkg/crashwatch"
	"github.com/cuemby/burrow/pkg/driver"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/recipe"
)

// ContainerAddress is a host and port at which a container port is reachable.
type ContainerAddress struct {
	Host string
	Port int32
	// InternalOnly is set for addresses that only resolve inside the cluster.
	InternalOnly bool
}

func (a ContainerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// RunningPod is the group of containers created by one Start call.
type RunningPod struct {
	handle     *driver.PodHandle
	number     int
	containers []*RunningContainer

	mu      sync.Mutex
	stopped bool
}

// Handle returns the driver handle of the pod.
func (p *RunningPod) Handle() *driver.PodHandle { return p.handle }

// Number is the ordinal of the Start call that created the pod.
func (p *RunningPod) Number() int { return p.number }

func (p *RunningPod) Name() string { return p.handle.PodName }

func (p *RunningPod) IP() string { return p.handle.PodIP }

func (p *RunningPod) NodeName() string { return p.handle.NodeName }

func (p *RunningPod) DeploymentName() string { return p.handle.DeploymentName }

func (p *RunningPod) InternalService() string { return p.handle.InternalService }

func (p *RunningPod) ExternalService() string { return p.handle.ExternalService }

// Containers returns the containers in recipe order.
func (p *RunningPod) Containers() []*RunningContainer {
	out := make([]*RunningContainer, len(p.containers))
	copy(out, p.containers)
	return out
}

// Stopped reports whether Stop succeeded on the pod.
func (p *RunningPod) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// RunningContainer is the handle to one started container.
type RunningContainer struct {
	name       string
	recipe     *recipe.Recipe
	pod        *RunningPod
	addresses  map[string][]ContainerAddress
	runsInside bool
	source     crashwatch.Source
	watcher    *crashwatch.Watcher
	// joined is set once Stop has collected the watcher's error.
	joined     bool
}

// Name is the container name inside the pod.
func (c *RunningContainer) Name() string { return c.name }

func (c *RunningContainer) Recipe() *recipe.Recipe { return c.recipe }

func (c *RunningContainer) Pod() *RunningPod { return c.pod }

// Watcher returns the crash watcher, or nil when crash watching is off.
func (c *RunningContainer) Watcher() *crashwatch.Watcher { return c.watcher }

func (c *RunningContainer) String() string {
	return fmt.Sprintf("%s(%s)", c.name, c.recipe.AppName())
}

// Addresses returns every address known for tag: the internal one first,
// then the external one if the port is exposed.
func (c *RunningContainer) Addresses(tag string) []ContainerAddress {
	return append([]ContainerAddress(nil), c.addresses[tag]...)
}

// Address returns the address of tag usable from where this process runs:
// the internal address inside the cluster, the external one outside. Asking
// for an internal-only port from outside the cluster is a constraint error.
func (c *RunningContainer) Address(tag string) (ContainerAddress, error) {
	if c.runsInside {
		return c.InternalAddress(tag)
	}
	return c.ExternalAddress(tag)
}

// InternalAddress returns the service DNS name and container port of tag.
func (c *RunningContainer) InternalAddress(tag string) (ContainerAddress, error) {
	addrs, err := c.lookup(tag)
	if err != nil {
		return ContainerAddress{}, err
	}
	for _, a := range addrs {
		if a.InternalOnly {
			return a, nil
		}
	}
	return ContainerAddress{}, errdefs.Constraint(c.name, "port %q has no internal address", tag)
}

// ExternalAddress returns the cluster host and node port of tag.
func (c *RunningContainer) ExternalAddress(tag string) (ContainerAddress, error) {
	addrs, err := c.lookup(tag)
	if err != nil {
		return ContainerAddress{}, err
	}
	for _, a := range addrs {
		if !a.InternalOnly {
			return a, nil
		}
	}
	return ContainerAddress{}, errdefs.Constraint(c.name, "port %q is internal only and not reachable from outside the cluster", tag)
}

// MustAddress is like Address but panics on error.
func (c *RunningContainer) MustAddress(tag string) ContainerAddress {
	a, err := c.Address(tag)
	if err != nil {
		panic(err)
	}
	return a
}

// MustInternalAddress is like InternalAddress but panics on error.
func (c *RunningContainer) MustInternalAddress(tag string) ContainerAddress {
	a, err := c.InternalAddress(tag)
	if err != nil {
		panic(err)
	}
	return a
}

// MustExternalAddress is like ExternalAddress but panics on error.
func (c *RunningContainer) MustExternalAddress(tag string) ContainerAddress {
	a, err := c.ExternalAddress(tag)
	if err != nil {
		panic(err)
	}
	return a
}

func (c *RunningContainer) lookup(tag string) ([]ContainerAddress, error) {
	addrs, ok := c.addresses[tag]
	if !ok || len(addrs) == 0 {
		return nil, errdefs.Constraint(c.name, "no port with tag %q", tag)
	}
	return addrs, nil
}

// HasContainerCrashed reports whether the container has restarted since it
// was started.
func (c *RunningContainer) HasContainerCrashed(ctx context.Context) (bool, error) {
	if c.watcher != nil {
		return c.watcher.HasCrashed(ctx)
	}
	count, err := c.source.RestartCount(ctx, c.pod.handle, c.name)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// resolveAddresses builds the address table of r. Every port gets an
// internal address on the pod's ClusterIP service; exposed ports also get
// the external host with the assigned node port.
func resolveAddresses(h *driver.PodHandle, r *recipe.Recipe, externalHost string) map[string][]ContainerAddress {
	out := make(map[string][]ContainerAddress)
	for _, p := range r.AllPorts() {
		addrs := []ContainerAddress{{
			Host:         h.ServiceDNSName(),
			Port:         p.Number,
			InternalOnly: true,
		}}
		if nodePort, ok := h.NodePort(r, p.Tag); ok {
			addrs = append(addrs, ContainerAddress{Host: externalHost, Port: nodePort})
		}
		out[p.Tag] = addrs
	}
	return out
}
