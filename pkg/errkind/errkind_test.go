package errkind

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfNil(t *testing.T) {
	assert.Equal(t, OK, Of(nil))
}

func TestNewAndOfRoundTrip(t *testing.T) {
	err := New(LayoutMismatch, errors.New("boom"))
	require.Error(t, err)
	assert.Equal(t, LayoutMismatch, Of(err))
	assert.True(t, Of(err).Fatal() == false) // LayoutMismatch is pair-fatal, not data-node Fatal()
}

func TestNewfWraps(t *testing.T) {
	err := Newf(InconsistentStorage, "storage id %s != %s", "a", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage id a != b")
	assert.Equal(t, InconsistentStorage, Of(err))
}

func TestOfUnwrapsThroughWrapping(t *testing.T) {
	cause := New(Unregistered, errors.New("no"))
	wrapped := fmt.Errorf("register: %w", cause)
	assert.Equal(t, Unregistered, Of(wrapped))
}

func TestFatalClasses(t *testing.T) {
	for _, k := range []Kind{Unregistered, Disallowed, IncorrectVersion} {
		assert.True(t, k.Fatal(), k.String())
	}
	for _, k := range []Kind{Unreachable, Timeout, LayoutMismatch, InconsistentStorage, UnknownNamespace, DiskError, Interrupted} {
		assert.False(t, k.Fatal(), k.String())
	}
}

func TestRetryableClasses(t *testing.T) {
	assert.True(t, Unreachable.Retryable())
	assert.True(t, Timeout.Retryable())
	assert.True(t, Unknown.Retryable())
	assert.False(t, LayoutMismatch.Retryable())
}

func TestClassifyContextCancellation(t *testing.T) {
	assert.Equal(t, Interrupted, Of(context.Canceled))
	assert.Equal(t, Interrupted, Of(context.DeadlineExceeded))
}

func TestClassifyUnknownHost(t *testing.T) {
	dnsErr := &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}
	assert.Equal(t, Unreachable, Of(dnsErr))
}

func TestClassifyFallsBackToUnknown(t *testing.T) {
	assert.Equal(t, Unknown, Of(errors.New("some opaque failure")))
}

func TestStringerCoversEveryKind(t *testing.T) {
	for k := OK; k <= Unknown; k++ {
		assert.NotEmpty(t, k.String())
	}
}
