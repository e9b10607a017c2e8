package retry

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bedrocklinux/bedrock-go/pkg/errors"
)

func TestRetryerSucceedsFirstTry(t *testing.T) {
	r := New(DefaultConfig())
	attempts := 0

	err := r.Do(func() error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryerRetriesEINTR(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	r := New(config)

	attempts := 0
	err := r.Do(func() error {
		attempts++
		if attempts < 3 {
			return syscall.EINTR
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryerRetriesEAGAIN(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	r := New(config)

	attempts := 0
	err := r.Do(func() error {
		attempts++
		if attempts < 2 {
			return syscall.EAGAIN
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryerDoesNotRetryOtherErrno(t *testing.T) {
	r := New(DefaultConfig())
	attempts := 0

	err := r.Do(func() error {
		attempts++
		return syscall.ENOENT
	})

	assert.ErrorIs(t, err, syscall.ENOENT)
	assert.Equal(t, 1, attempts)
}

func TestRetryerRetriesExplicitlyMarkedBedrockError(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	r := New(config)

	attempts := 0
	err := r.Do(func() error {
		attempts++
		if attempts < 2 {
			return errors.NewError(errors.ErrCodeIO, "transient").WithRetryable(true)
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryerDoesNotRetryNonRetryableBedrockError(t *testing.T) {
	r := New(DefaultConfig())
	attempts := 0

	testErr := errors.NewError(errors.ErrCodeNotFound, "missing")
	err := r.Do(func() error {
		attempts++
		return testErr
	})

	assert.ErrorIs(t, err, testErr)
	assert.Equal(t, 1, attempts)
}

func TestRetryerMaxAttemptsExceeded(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	r := New(config)

	attempts := 0
	err := r.Do(func() error {
		attempts++
		return syscall.EAGAIN
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryerContextCancellation(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 10
	config.InitialDelay = 50 * time.Millisecond
	r := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := r.DoWithContext(ctx, func(ctx context.Context) error {
		attempts++
		return syscall.EAGAIN
	})

	assert.Error(t, err)
	assert.Less(t, attempts, 10)
}

func TestRetryerOnRetryCallback(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3

	var calls int
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		calls++
	}
	r := New(config)

	_ = r.Do(func() error {
		return syscall.EAGAIN
	})

	assert.Equal(t, 2, calls)
}
