package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cnclabs/fairkg/internal/fairness"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fairkg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 20, c.EmbedDim)
	assert.Equal(t, "adam", c.Optimizer)
	assert.Equal(t, "cpu", c.Device)
	assert.True(t, c.FilterFalseNegs)
	assert.Empty(t, c.Attributes())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
embed_dim: 8
use_attr: true
use_random_attr: true
optimizer: nesterov0.9
decay_lr: halving_step5
`)
	t.Setenv("FAIRKG_GAMMA", "2.5")
	t.Setenv("FAIRKG_SAMPLE_MASK", "true")

	c, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 8, c.EmbedDim)
	assert.Equal(t, 2.5, c.Gamma)
	assert.True(t, c.SampleMask)

	var kinds []fairness.Kind
	for _, a := range c.Attributes() {
		kinds = append(kinds, a.Kind)
	}
	assert.Equal(t, []fairness.Kind{fairness.Gender, fairness.Occupation, fairness.Age, fairness.Random}, kinds)

	opts := c.TrainOptions()
	assert.Equal(t, 2.5, opts.Gamma)
	assert.Equal(t, "nesterov0.9", opts.Optimizer)
	assert.Equal(t, c.DiscOptimizer, opts.FilterOptimizer)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateUnsupported(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"optimizer", "optimizer: rmsprop\n"},
		{"disc optimizer", "disc_optimizer: adagrad\n"},
		{"schedule", "decay_lr: cosine\n"},
		{"device", "device: cuda\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(viper.New(), writeConfig(t, tt.body))
			assert.ErrorIs(t, err, ErrUnsupportedConfiguration)
		})
	}
}

func TestValidateFieldConstraints(t *testing.T) {
	for _, body := range []string{
		"p_norm: 3\n",
		"batch_size: 0\n",
		"test_ratio: 1.5\n",
		"retrain_attribute: height\n",
		"log_level: loud\n",
	} {
		_, err := Load(viper.New(), writeConfig(t, body))
		require.Error(t, err, body)
		assert.NotErrorIs(t, err, ErrUnsupportedConfiguration, body)
	}
}

func TestYAML(t *testing.T) {
	c, err := Load(viper.New(), writeConfig(t, "embed_dim: 12\nrun_name: probe\n"))
	require.NoError(t, err)

	out, err := c.YAML()
	require.NoError(t, err)
	var back Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &back))
	assert.Equal(t, *c, back)
	assert.Contains(t, out, "run_name: probe")
}
