package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobFilter_EmptyMatchesAll(t *testing.T) {
	f, err := NewGlobFilter(nil)
	require.NoError(t, err)

	assert.True(t, f.Match("turbine_metrics"))
	assert.True(t, f.Match("status_log"))
}

func TestGlobFilter_ExactAndWildcard(t *testing.T) {
	f, err := NewGlobFilter([]string{"turbine_*", "status_log"})
	require.NoError(t, err)

	assert.True(t, f.Match("turbine_metrics"))
	assert.True(t, f.Match("turbine_alarms"))
	assert.True(t, f.Match("status_log"))
	assert.False(t, f.Match("maintenance_log"))
}

func TestGlobFilter_InvalidPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"turbine_["})
	assert.Error(t, err)
}
