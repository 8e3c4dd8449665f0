package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugarme/pyconvseg/envconfig"
	"github.com/sugarme/pyconvseg/pyconvseg"
)

func TestConfigFromFlags(t *testing.T) {
	t.Setenv("PYCONVSEG_WEIGHTS", "")
	envconfig.LoadConfig()

	cmd, _, err := NewCLI().Find([]string{"inspect"})
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags([]string{"--layers", "101", "--aux", "off", "--backbone", "pyconvresnet", "--weights", "w.pt"}))

	config, err := configFromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, int64(101), config.Layers)
	assert.Equal(t, pyconvseg.AuxDisabled, config.Aux)
	assert.Equal(t, "pyconvresnet", config.Backbone)
	assert.True(t, config.Pretrained)
	assert.Equal(t, "w.pt", config.PretrainedPath)
	assert.Equal(t, pyconvseg.DefaultConfig().ZoomFactor, config.ZoomFactor)

	cmd, _, err = NewCLI().Find([]string{"inspect"})
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags([]string{"--aux", "maybe"}))
	_, err = configFromFlags(cmd)
	assert.True(t, errors.Is(err, pyconvseg.ErrInvalidConfig))
}

func TestInspect(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a ResNet-50 model")
	}
	t.Setenv("PYCONVSEG_WEIGHTS", "")
	envconfig.LoadConfig()

	var out bytes.Buffer
	root := NewCLI()
	root.SetOut(&out)
	root.SetArgs([]string{"inspect", "--size", "65", "--output-stride", "8", "--classes", "21"})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "layer4")
	assert.Contains(t, out.String(), "[1 2048 9 9]")
	assert.Contains(t, out.String(), "[1 21 65 65]")
	assert.Contains(t, out.String(), "pyconvhead")
	assert.Contains(t, out.String(), "TOTAL")
}

func TestInspectRejectsInvalidSize(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a ResNet-50 model")
	}
	t.Setenv("PYCONVSEG_WEIGHTS", "")
	envconfig.LoadConfig()

	root := NewCLI()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"inspect", "--size", "100"})
	err := root.Execute()
	assert.True(t, errors.Is(err, pyconvseg.ErrInputShape))
}

func TestHelpListsEnvironment(t *testing.T) {
	for _, args := range [][]string{{"--help"}, {"predict", "--help"}} {
		var out bytes.Buffer
		root := NewCLI()
		root.SetOut(&out)
		root.SetArgs(args)
		require.NoError(t, root.Execute())

		assert.Contains(t, out.String(), "Environment Variables:")
		for name := range envconfig.AsMap() {
			assert.Contains(t, out.String(), name, "%v", args)
		}
		assert.Equal(t, 1, strings.Count(out.String(), "Environment Variables:"))
	}
}
