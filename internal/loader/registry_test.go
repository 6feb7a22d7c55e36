package loader

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLoader struct {
	name string
}

func (s *stubLoader) Name() string                   { return s.name }
func (s *stubLoader) Description() string            { return "stub" }
func (s *stubLoader) Load(ctx context.Context) error { return nil }

func stubFactory(name, acceptPrefix string) Factory {
	return Factory{
		Name:        name,
		Description: "stub " + name,
		Validate: func(ctx context.Context, deps Deps, url string) bool {
			return strings.HasPrefix(url, acceptPrefix)
		},
		New: func(deps Deps, target Target) Loader {
			return &stubLoader{name: name}
		},
	}
}

func init() {
	RegisterFactory("stub_alpha", stubFactory("stub_alpha", "alpha:"))
	RegisterFactory("stub_beta", stubFactory("stub_beta", "beta:"))
	RegisterFactory("stub_any", stubFactory("stub_any", ""))
}

func TestRegisterFactoryRejectsDuplicates(t *testing.T) {
	assert.Panics(t, func() {
		RegisterFactory("stub_alpha", stubFactory("stub_alpha", "alpha:"))
	})
}

func TestNewRegistryUnknownName(t *testing.T) {
	_, err := NewRegistry([]string{"stub_alpha", "no_such_loader"}, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_loader")
}

func TestRegistryCreateFirstMatchWins(t *testing.T) {
	r, err := NewRegistry([]string{"stub_alpha", "stub_any"}, Deps{})
	require.NoError(t, err)

	ldr := r.Create(context.Background(), Target{URL: "alpha:one"})
	require.NotNil(t, ldr)
	assert.Equal(t, "stub_alpha", ldr.Name())

	// Falls through to the catch-all when the first probe declines.
	ldr = r.Create(context.Background(), Target{URL: "beta:two"})
	require.NotNil(t, ldr)
	assert.Equal(t, "stub_any", ldr.Name())
}

func TestRegistryCreateNoneAccepts(t *testing.T) {
	r, err := NewRegistry([]string{"stub_alpha", "stub_beta"}, Deps{})
	require.NoError(t, err)

	assert.Nil(t, r.Create(context.Background(), Target{URL: "gamma:nope"}))
	assert.False(t, r.Accepts(context.Background(), "gamma:nope"))
	assert.True(t, r.Accepts(context.Background(), "beta:yes"))
}

func TestRegistryListPreservesConfigurationOrder(t *testing.T) {
	r, err := NewRegistry([]string{"stub_beta", "stub_alpha"}, Deps{})
	require.NoError(t, err)

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "stub_beta", infos[0].Name)
	assert.Equal(t, "stub_alpha", infos[1].Name)
}
