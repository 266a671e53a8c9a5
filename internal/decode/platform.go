package decode

import (
	"fmt"
	"sort"
	"sync"
)

// PlatformOptions size the native resources a platform creates.
type PlatformOptions struct {
	InputBuffers int
	BufferSize   int
	// Library is the codec shared library for software platforms. Empty
	// means the platform default.
	Library string
}

// Platform bundles the constructors for one target's native collaborators.
// Graphics may be nil when the host application supplies its own context.
type Platform struct {
	Name           string
	NewImageReader func(desc SurfaceDescription) (ImageReader, error)
	NewDecoder     func(format MediaFormat) (NativeDecoder, error)
	NewImporter    func() (ExternalImageImporter, error)
	Graphics       GraphicsContext
}

func (p Platform) validate() error {
	if p.NewImageReader == nil || p.NewDecoder == nil || p.NewImporter == nil {
		return fmt.Errorf("decode: platform %q is missing a constructor", p.Name)
	}
	return nil
}

// PlatformFactory creates a Platform. Factories register themselves from
// init in the package that implements them.
type PlatformFactory func(opts PlatformOptions) (Platform, error)

var (
	platformsMu sync.Mutex
	platforms   = map[string]PlatformFactory{}
)

// RegisterPlatform makes a platform available by name. Registering the same
// name twice replaces the earlier factory.
func RegisterPlatform(name string, factory PlatformFactory) {
	platformsMu.Lock()
	defer platformsMu.Unlock()
	platforms[name] = factory
}

// LookupPlatform builds the named platform.
func LookupPlatform(name string, opts PlatformOptions) (Platform, error) {
	platformsMu.Lock()
	factory, ok := platforms[name]
	platformsMu.Unlock()
	if !ok {
		return Platform{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, name)
	}
	p, err := factory(opts)
	if err != nil {
		return Platform{}, fmt.Errorf("decode: create platform %q: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	if err := p.validate(); err != nil {
		return Platform{}, err
	}
	return p, nil
}

// Platforms lists the registered platform names.
func Platforms() []string {
	platformsMu.Lock()
	defer platformsMu.Unlock()
	names := make([]string, 0, len(platforms))
	for name := range platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
