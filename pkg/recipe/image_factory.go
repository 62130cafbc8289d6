package recipe

import (
	"os"
	"sort"
	"strings"
)

// ImageFactory is a Factory configured by data rather than code. It covers
// applications that need an image, at most one exposed port, some internal
// ports, fixed environment and volumes.
type ImageFactory struct {
	Name  string
	Image string
	// ImageEnvVar names an environment variable that, when set, replaces
	// Image. CI pipelines use it to test freshly built images.
	ImageEnvVar string
	// ExposedTag, when set, adds one exposed TCP port with this tag.
	ExposedTag   string
	InternalTags []string
	// PinnedPorts fixes the number of a tagged port instead of minting one.
	PinnedPorts map[string]int32
	Env         map[string]string
	Volumes     []VolumeMount
	Resources   Resources
}

func (f *ImageFactory) AppName() string { return f.Name }

// ResolveImage returns the image after applying the environment override.
func (f *ImageFactory) ResolveImage() string {
	if f.ImageEnvVar != "" {
		if v := strings.TrimSpace(os.Getenv(f.ImageEnvVar)); v != "" {
			return v
		}
	}
	return f.Image
}

func (f *ImageFactory) Initialize(b *Builder, cf *ComponentFactory, cfg StartupConfig) error {
	b.SetImage(f.ResolveImage())
	b.SetResources(f.Resources)

	if f.ExposedTag != "" {
		p := f.port(cf, f.ExposedTag)
		if err := b.AddExposedPort(p); err != nil {
			return err
		}
		if err := b.AddEnvVar(portEnvVar(cf, p)); err != nil {
			return err
		}
	}
	for _, tag := range f.InternalTags {
		p := f.port(cf, tag)
		if err := b.AddInternalPort(p); err != nil {
			return err
		}
		if err := b.AddEnvVar(portEnvVar(cf, p)); err != nil {
			return err
		}
	}

	keys := make([]string, 0, len(f.Env))
	for k := range f.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := b.AddEnvVar(cf.CreateEnvVar(k, f.Env[k])); err != nil {
			return err
		}
	}
	if cfg.LogLevel != "" {
		if err := b.AddEnvVar(cf.CreateEnvVar("LOGLEVEL", cfg.LogLevel)); err != nil {
			return err
		}
	}

	for _, v := range f.Volumes {
		if err := b.AddVolume(v); err != nil {
			return err
		}
	}
	return nil
}

func (f *ImageFactory) port(cf *ComponentFactory, tag string) Port {
	if n, ok := f.PinnedPorts[tag]; ok {
		return cf.CreatePortWithNumber(n, tag)
	}
	return cf.CreatePort(tag)
}

func portEnvVar(cf *ComponentFactory, p Port) EnvVar {
	key := strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(p.Tag)) + "_PORT"
	return cf.CreateEnvVar(key, p.Number)
}
