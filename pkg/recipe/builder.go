package recipe

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/naming"
)

// AppLabel is the pod label every recipe carries; network policies and
// services select on it.
const AppLabel = "app"

// Builder accumulates the parts of a Recipe. Errors from Add* calls are
// returned immediately and also remembered, so Build fails if any of them
// was ignored.
type Builder struct {
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
	errs           []error
}

// NewBuilder starts a recipe for container number within a Start call at
// position index.
func NewBuilder(number, index int, appName string) *Builder {
	b := &Builder{
		number:         number,
		index:          index,
		appName:        appName,
		podLabels:      make(map[string]string),
		podAnnotations: make(map[string]string),
	}
	b.podLabels[AppLabel] = naming.Truncate(naming.FormatClusterName(appName), naming.MaxNameLength)
	return b
}

func (b *Builder) Number() int { return b.number }

func (b *Builder) Index() int { return b.index }

func (b *Builder) AppName() string { return b.appName }

func (b *Builder) SetImage(image string) { b.image = image }

func (b *Builder) SetResources(r Resources) { b.resources = r }

// SetNameOverride replaces the generated container name. The name is
// sanitized for use on the cluster.
func (b *Builder) SetNameOverride(name string) {
	b.nameOverride = naming.Truncate(naming.FormatClusterName(name), naming.MaxNameLength)
}

// AddExposedPort adds the single externally routed port of the recipe.
func (b *Builder) AddExposedPort(p Port) error {
	if len(b.exposedPorts) > 0 {
		return b.fail(errdefs.Constraint(b.subject(), "second exposed port %q requested, %q already exposed", p.Tag, b.exposedPorts[0].Tag))
	}
	if err := b.checkTag(p.Tag); err != nil {
		return b.fail(err)
	}
	b.exposedPorts = append(b.exposedPorts, p)
	return nil
}

// AddInternalPort adds a cluster-local port.
func (b *Builder) AddInternalPort(p Port) error {
	if err := b.checkTag(p.Tag); err != nil {
		return b.fail(err)
	}
	b.internalPorts = append(b.internalPorts, p)
	return nil
}

// AddEnvVar adds an environment variable. Keys must be unique.
func (b *Builder) AddEnvVar(e EnvVar) error {
	for _, existing := range b.env {
		if existing.Key == e.Key {
			return b.fail(errdefs.Constraint(b.subject(), "environment variable %q set twice", e.Key))
		}
	}
	b.env = append(b.env, e)
	return nil
}

// AddVolume claims a persistent volume for the container.
func (b *Builder) AddVolume(v VolumeMount) error {
	if v.SizeBytes <= 0 {
		return b.fail(errdefs.Constraint(b.subject(), "volume %q has no size", v.Name))
	}
	for _, existing := range b.volumes {
		if existing.Name == v.Name || existing.MountPath == v.MountPath {
			return b.fail(errdefs.Constraint(b.subject(), "volume %q conflicts with %q", v.Name, existing.Name))
		}
	}
	b.volumes = append(b.volumes, v)
	return nil
}

func (b *Builder) SetPodLabel(key, value string) { b.podLabels[key] = value }

func (b *Builder) SetPodAnnotation(key, value string) { b.podAnnotations[key] = value }

// Build validates the accumulated parts and returns the immutable Recipe.
func (b *Builder) Build() (*Recipe, error) {
	if b.image == "" {
		b.errs = append(b.errs, errdefs.Constraint(b.subject(), "no image set"))
	}
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	return &Recipe{
		number:         b.number,
		index:          b.index,
		appName:        b.appName,
		nameOverride:   b.nameOverride,
		image:          b.image,
		resources:      b.resources,
		exposedPorts:   slices.Clone(b.exposedPorts),
		internalPorts:  slices.Clone(b.internalPorts),
		env:            slices.Clone(b.env),
		podLabels:      maps.Clone(b.podLabels),
		podAnnotations: maps.Clone(b.podAnnotations),
		volumes:        slices.Clone(b.volumes),
		additionals:    b.additionals.clone(),
	}, nil
}

func (b *Builder) checkTag(tag string) error {
	if tag == "" {
		return errdefs.Constraint(b.subject(), "port without tag")
	}
	for _, p := range append(slices.Clone(b.exposedPorts), b.internalPorts...) {
		if p.Tag == tag {
			return errdefs.Constraint(b.subject(), "port tag %q used twice", tag)
		}
	}
	return nil
}

func (b *Builder) fail(err error) error {
	b.errs = append(b.errs, err)
	return err
}

func (b *Builder) subject() string {
	return fmt.Sprintf("recipe %s#%d", b.appName, b.number)
}
