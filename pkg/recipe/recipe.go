package recipe

import (
	"fmt"
	"maps"
	"slices"
)

// Protocol is the transport protocol of a container port.
type Protocol string

const (
	ProtocolTCP Protocol = "TCP"
	ProtocolUDP Protocol = "UDP"
)

// Port is a container port with the symbolic tag callers use to look up its
// address once the container runs.
type Port struct {
	Number   int32
	Tag      string
	Protocol Protocol
}

func (p Port) String() string {
	return fmt.Sprintf("%s:%d/%s", p.Tag, p.Number, p.Protocol)
}

// EnvVar is one environment variable of a container.
type EnvVar struct {
	Key   string
	Value string
}

// VolumeMount is a persistent volume claimed for one container.
type VolumeMount struct {
	Name      string
	MountPath string
	SizeBytes int64
}

// Resources holds the request/limit pair of a container. Zero values mean
// "not set".
type Resources struct {
	CPURequestMillis   int64
	CPULimitMillis     int64
	MemoryRequestBytes int64
	MemoryLimitBytes   int64
}

// Recipe describes one container to deploy. A Recipe is immutable: all
// accessors return copies.
type Recipe struct {
	number         int
	index          int
	appName        string
	nameOverride   string
	image          string
	resources      Resources
	exposedPorts   []Port
	internalPorts  []Port
	env            []EnvVar
	podLabels      map[string]string
	podAnnotations map[string]string
	volumes        []VolumeMount
	additionals    additionals
}

// Number is the ordinal of the container, unique per process.
func (r *Recipe) Number() int { return r.number }

// Index is the position of the recipe within its Start call.
func (r *Recipe) Index() int { return r.index }

// AppName is the application type that produced the recipe.
func (r *Recipe) AppName() string { return r.appName }

// Name is the container name used on the cluster.
func (r *Recipe) Name() string {
	if r.nameOverride != "" {
		return r.nameOverride
	}
	return fmt.Sprintf("ctnr%d", r.number)
}

// NameOverride returns the caller supplied name, if any.
func (r *Recipe) NameOverride() string { return r.nameOverride }

func (r *Recipe) Image() string { return r.image }

func (r *Recipe) Resources() Resources { return r.resources }

// ExposedPorts are routed through the external node-port service.
func (r *Recipe) ExposedPorts() []Port { return slices.Clone(r.exposedPorts) }

// InternalPorts are reachable from inside the cluster only.
func (r *Recipe) InternalPorts() []Port { return slices.Clone(r.internalPorts) }

// AllPorts returns exposed ports followed by internal ports.
func (r *Recipe) AllPorts() []Port {
	return append(slices.Clone(r.exposedPorts), r.internalPorts...)
}

// Port looks up a port by tag.
func (r *Recipe) Port(tag string) (Port, bool) {
	for _, p := range r.AllPorts() {
		if p.Tag == tag {
			return p, true
		}
	}
	return Port{}, false
}

// IsExposed reports whether tag names an exposed port.
func (r *Recipe) IsExposed(tag string) bool {
	for _, p := range r.exposedPorts {
		if p.Tag == tag {
			return true
		}
	}
	return false
}

func (r *Recipe) Env() []EnvVar { return slices.Clone(r.env) }

func (r *Recipe) PodLabels() map[string]string { return maps.Clone(r.podLabels) }

func (r *Recipe) PodAnnotations() map[string]string { return maps.Clone(r.podAnnotations) }

func (r *Recipe) Volumes() []VolumeMount { return slices.Clone(r.volumes) }

func (r *Recipe) String() string {
	return fmt.Sprintf("%s (%s, %s)", r.Name(), r.appName, r.image)
}
