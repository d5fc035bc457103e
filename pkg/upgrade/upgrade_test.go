package upgrade

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStartIfNeededIsIdempotent(t *testing.T) {
	m := New()
	assert.False(t, m.Started())
	m.StartIfNeeded()
	assert.True(t, m.Started())
	m.StartIfNeeded()
	assert.True(t, m.Started())
}

func TestShutdownIsIdempotent(t *testing.T) {
	m := New()
	m.Shutdown()
	assert.True(t, m.Stopped())
	m.Shutdown()
	assert.True(t, m.Stopped())
}

func TestUpgradingFalseWithoutVersions(t *testing.T) {
	m := New()
	assert.False(t, m.Upgrading())
}

func TestUpgradingTrueWhenPeerIsNewer(t *testing.T) {
	m := New()
	m.NoteVersions("1.0.0", "v1.2.0")
	assert.True(t, m.Upgrading())
}

func TestUpgradingFalseWhenPeerIsOlderOrEqual(t *testing.T) {
	m := New()
	m.NoteVersions("1.2.0", "1.0.0")
	assert.False(t, m.Upgrading())

	m.NoteVersions("1.2.0", "1.2.0")
	assert.False(t, m.Upgrading())
}

func TestNoteVersionsIgnoresMalformedStrings(t *testing.T) {
	m := New()
	m.NoteVersions("not-a-version", "1.0.0")
	assert.False(t, m.Upgrading())
}
