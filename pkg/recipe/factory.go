package recipe

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/naming"
)

// DefaultFirstPort seeds port numbering above common well-known ports.
const DefaultFirstPort = 8080

// StartupConfig carries caller settings into a Factory.
type StartupConfig struct {
	// NameOverride replaces the generated container name. With more than one
	// container the index is appended.
	NameOverride string
	// LogLevel is forwarded to the application, if it supports one.
	LogLevel string
	// Metadata is free-form input for a specific factory.
	Metadata map[string]string
}

// Factory fills in the application-specific parts of a recipe.
type Factory interface {
	// AppName names the application type; it becomes the app pod label.
	AppName() string
	// Initialize adds image, ports, env and volumes to b.
	Initialize(b *Builder, cf *ComponentFactory, cfg StartupConfig) error
}

// ComponentFactory mints ports and environment variables. Port numbers come
// from an injected NumberSource so numbering never collides between recipes
// built from the same source.
type ComponentFactory struct {
	ports *naming.NumberSource
}

// NewComponentFactory creates a component factory drawing port numbers from
// ports.
func NewComponentFactory(ports *naming.NumberSource) *ComponentFactory {
	return &ComponentFactory{ports: ports}
}

// CreatePort mints a TCP port with the next free number.
func (f *ComponentFactory) CreatePort(tag string) Port {
	return Port{Number: int32(f.ports.Next()), Tag: tag, Protocol: ProtocolTCP}
}

// CreateUDPPort mints a UDP port with the next free number.
func (f *ComponentFactory) CreateUDPPort(tag string) Port {
	return Port{Number: int32(f.ports.Next()), Tag: tag, Protocol: ProtocolUDP}
}

// CreatePortWithNumber pins a TCP port to number. The counter is not advanced.
func (f *ComponentFactory) CreatePortWithNumber(number int32, tag string) Port {
	return Port{Number: number, Tag: tag, Protocol: ProtocolTCP}
}

// CreateEnvVar formats value into an environment variable.
func (f *ComponentFactory) CreateEnvVar(key string, value any) EnvVar {
	return EnvVar{Key: key, Value: fmt.Sprint(value)}
}

// CreateRecipe builds the recipe for container ordinal at position index.
// finalize callbacks run after the factory and before the recipe is frozen;
// they may add labels and annotations.
func CreateRecipe(f Factory, index, ordinal int, cf *ComponentFactory, cfg StartupConfig, finalize ...func(*Builder)) (*Recipe, error) {
	b := NewBuilder(ordinal, index, f.AppName())
	if cfg.NameOverride != "" {
		name := cfg.NameOverride
		if index > 0 {
			name = fmt.Sprintf("%s-%d", name, index)
		}
		b.SetNameOverride(name)
	}
	if err := f.Initialize(b, cf, cfg); err != nil {
		return nil, fmt.Errorf("initialize %s recipe: %w", f.AppName(), err)
	}
	for _, fn := range finalize {
		fn(b)
	}
	return b.Build()
}
