//go:build linux

package affinity

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAffinityPinsThread(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		// the thread dies with the goroutine, so the pin never leaks
		allowed, err := Current()
		if !assert.NoError(t, err) || !assert.NotEmpty(t, allowed) {
			return
		}
		if !assert.NoError(t, SetAffinity(allowed[0])) {
			return
		}
		now, err := Current()
		assert.NoError(t, err)
		assert.Equal(t, []int{allowed[0]}, now)
	}()
	<-done
}

func TestSetAffinityRejectsOutOfRange(t *testing.T) {
	assert.Error(t, SetAffinity(-1))
	assert.Error(t, SetAffinity(NumCPU()))
}
