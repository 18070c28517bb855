package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRegexList(t *testing.T, exprs ...string) *List {
	t.Helper()
	l, err := CompileRegexList(exprs)
	require.NoError(t, err)
	return l
}

func TestTreeFilter_StickyExclusion(t *testing.T) {
	tf := NewTreeFilter(&List{}, mustRegexList(t, "(.*/)?tmp"))

	assert.True(t, tf.Select(""))
	assert.True(t, tf.Select("foo"))
	assert.False(t, tf.Select("foo/tmp"))
	// Descendants of an excluded dataset never get re-evaluated.
	assert.False(t, tf.Select("foo/tmp/deep"))
	assert.True(t, tf.Excluded("foo/tmp/deep"))
	assert.True(t, tf.Select("bar"))
}

func TestTreeFilter_ExcludedRootPoisonsEverything(t *testing.T) {
	tf := NewTreeFilter(&List{}, mustRegexList(t, ""))

	assert.False(t, tf.Select(""))
	assert.False(t, tf.Select("anything"))
	assert.True(t, tf.Excluded("anything"))
}

func TestTreeFilter_IncludeMissIsNotSticky(t *testing.T) {
	tf := NewTreeFilter(mustRegexList(t, "foo/keep"), &List{})

	assert.False(t, tf.Select("foo"))
	// The parent merely missed the include list; the child matches on its
	// own and stays selected.
	assert.True(t, tf.Select("foo/keep"))
	assert.False(t, tf.Excluded("foo"))
}

func TestTreeFilter_ExcludeBeatsInclude(t *testing.T) {
	tf := NewTreeFilter(mustRegexList(t, ".*"), mustRegexList(t, "foo"))

	assert.True(t, tf.Select(""))
	assert.False(t, tf.Select("foo"))
	assert.False(t, tf.Select("foo/child"))
}
