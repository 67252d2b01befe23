package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garimpo-io/garimpo/pkg/config"
	"github.com/garimpo-io/garimpo/pkg/connector"
	"github.com/garimpo-io/garimpo/pkg/fetch"
)

type fakeConnector struct {
	id string
}

func (f *fakeConnector) Descriptor() connector.Descriptor {
	return connector.Descriptor{ID: f.id}
}

func (f *fakeConnector) Discover(context.Context) ([]connector.Candidate, error) {
	return nil, nil
}

func (f *fakeConnector) Parse(context.Context, *fetch.RawDocument) ([]connector.ParsedRow, error) {
	return nil, nil
}

func fakeFactory(id string) Factory {
	return func(*fetch.Client, config.SourceConfig) (connector.Connector, error) {
		return &fakeConnector{id: id}, nil
	}
}

func TestRegisterAndCreate(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("cvm", fakeFactory("cvm")))

	conn, err := r.Create("cvm", nil, config.SourceConfig{})
	require.NoError(t, err)
	assert.Equal(t, "cvm", conn.Descriptor().ID)
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("snd", fakeFactory("snd")))
	assert.Error(t, r.Register("snd", fakeFactory("snd")))
}

func TestCreateUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Create("bovespa", nil, config.SourceConfig{})
	assert.Error(t, err)
}

func TestListAndHas(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("cvm", fakeFactory("cvm")))
	require.NoError(t, r.Register("b3", fakeFactory("b3")))

	assert.ElementsMatch(t, []string{"cvm", "b3"}, r.List())
	assert.True(t, r.Has("cvm"))
	assert.False(t, r.Has("snd"))
}

func TestClear(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("cvm", fakeFactory("cvm")))
	r.Clear()

	assert.Empty(t, r.List())
	assert.False(t, r.Has("cvm"))
}
