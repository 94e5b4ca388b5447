package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/G-Research/experimentd/internal/common/experrors"
)

func TestStatus_IsTerminal(t *testing.T) {
	terminal := map[Status]bool{
		Created:   false,
		Building:  false,
		Running:   false,
		Succeeded: true,
		Failed:    true,
		Stopped:   true,
	}
	for _, s := range AllStatuses {
		assert.Equal(t, terminal[s], s.IsTerminal(), s.String())
	}
}

func TestParseServiceType(t *testing.T) {
	st, err := ParseServiceType("notebook")
	require.NoError(t, err)
	assert.Equal(t, Notebook, st)

	_, err = ParseServiceType("jupyterlab")
	assert.Error(t, err)
}

func TestServiceDescriptor_Names(t *testing.T) {
	d := &ServiceDescriptor{Project: Project{User: "adam", Name: "mnist"}, Type: Tensorboard}
	assert.True(t, strings.HasPrefix(d.Name(), "plx-tensorboard-adam-mnist-"), d.Name())
	assert.Len(t, d.Name(), len("plx-tensorboard-adam-mnist-")+8)
	assert.Equal(t, d.Name(), d.Copy().Name())
	assert.Equal(t, "adam/mnist/tensorboard", d.Key().String())
}

func TestServiceDescriptor_NamesDontCollide(t *testing.T) {
	a := &ServiceDescriptor{Project: Project{User: "ann-lee", Name: "mnist"}, Type: Tensorboard}
	b := &ServiceDescriptor{Project: Project{User: "ann", Name: "lee-mnist"}, Type: Tensorboard}
	assert.NotEqual(t, a.Name(), b.Name())
	assert.NotEqual(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key().String(), b.Key().String())
}

func TestServiceDescriptor_NameIsDns1035Label(t *testing.T) {
	descriptors := []*ServiceDescriptor{
		{Project: Project{User: "Adam_Smith", Name: "MNIST_v2"}, Type: Notebook},
		{Project: Project{User: strings.Repeat("u", MaxNameLength), Name: strings.Repeat("p", MaxNameLength)}, Type: Tensorboard},
		{Project: Project{User: "adam", Name: strings.Repeat("-", 60)}, Type: Notebook},
	}
	for _, d := range descriptors {
		assert.Empty(t, validation.IsDNS1035Label(d.Name()), d.Name())
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"mnist", "Adam_Smith", "exp-1", strings.Repeat("a", MaxNameLength)} {
		assert.NoError(t, ValidateName("name", name), name)
	}
	for _, name := range []string{"", "a.b", "a/b", "../escaped", "..", "with space", "-leading", "trailing_", strings.Repeat("a", MaxNameLength+1)} {
		err := ValidateName("name", name)
		assert.True(t, experrors.IsInvalidArgument(err), name)
	}
}

func TestProject_Validate(t *testing.T) {
	assert.NoError(t, Project{User: "adam", Name: "mnist"}.Validate())

	err := Project{User: "a.b", Name: "c"}.Validate()
	var invalid *experrors.ErrInvalidArgument
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "user", invalid.Name)

	err = Project{User: "a", Name: "b.c"}.Validate()
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "project", invalid.Name)
}

func TestServiceDescriptor_JsonKeepsConfigVariant(t *testing.T) {
	d := &ServiceDescriptor{
		Project: Project{User: "adam", Name: "mnist"},
		Type:    Notebook,
		Port:    6701,
		Config: &NotebookConfig{
			Version: 1,
			Project: ProjectSpec{Name: "mnist"},
			Run:     NotebookRun{Image: "jupyter/base", Cmd: "start.sh"},
		},
		Active:    true,
		UpdatedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(d)
	require.NoError(t, err)

	decoded := &ServiceDescriptor{}
	require.NoError(t, json.Unmarshal(data, decoded))
	assert.Equal(t, d, decoded)
	assert.Equal(t, "jupyter/base", decoded.Config.Image())
}

func TestDecodeServiceConfig_UnknownType(t *testing.T) {
	_, err := DecodeServiceConfig("dashboard", []byte(`{}`))
	assert.Error(t, err)
}
