package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshalYAML(t *testing.T) {
	var cfg struct {
		Interval Duration `yaml:"interval"`
	}

	require.NoError(t, yaml.Unmarshal([]byte("interval: 30m"), &cfg))
	assert.Equal(t, 30*time.Minute, cfg.Interval.Std())

	require.NoError(t, yaml.Unmarshal([]byte("interval: 1h30m"), &cfg))
	assert.Equal(t, 90*time.Minute, cfg.Interval.Std())

	require.NoError(t, yaml.Unmarshal([]byte("interval: 5000000000"), &cfg))
	assert.Equal(t, 5*time.Second, cfg.Interval.Std())

	assert.Error(t, yaml.Unmarshal([]byte("interval: soon"), &cfg))
}
