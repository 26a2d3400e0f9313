package tdd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCancelerIsOneShot(t *testing.T) {
	c := NewCanceler()
	assert.False(t, c.Requested())
	select {
	case <-c.Done():
		t.Fatal("done before cancel")
	default:
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Cancel()
		}()
	}
	wg.Wait()
	assert.True(t, c.Requested())
	<-c.Done()
	c.Cancel()
	assert.True(t, c.Requested())
}

func TestBindContextCancels(t *testing.T) {
	c := NewCanceler()
	ctx, cancel := context.WithCancel(context.Background())
	stop := bindContext(ctx, c)
	defer stop()
	cancel()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("context cancellation did not reach the token")
	}
}
