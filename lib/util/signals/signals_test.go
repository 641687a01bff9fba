package signals

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_RunsInOrder(t *testing.T) {
	r := &registry{kind: "test"}
	var got []int
	r.add(func() { got = append(got, 1) })
	r.add(func() { got = append(got, 2) })
	r.add(func() { got = append(got, 3) })

	r.run()
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestRegistry_NilIgnored(t *testing.T) {
	r := &registry{kind: "test"}
	assert.Equal(t, HandlerID(-1), r.add(nil))
	assert.Zero(t, r.len())
}

func TestRegistry_Remove(t *testing.T) {
	r := &registry{kind: "test"}
	called := map[string]bool{}
	keep := r.add(func() { called["keep"] = true })
	drop := r.add(func() { called["drop"] = true })
	assert.NotEqual(t, keep, drop)

	r.remove(drop)
	r.remove(HandlerID(9999))
	r.run()

	assert.True(t, called["keep"])
	assert.False(t, called["drop"])
	assert.Equal(t, 1, r.len())
}

func TestRegistry_PanicDoesNotStopOthers(t *testing.T) {
	r := &registry{kind: "test"}
	after := false
	r.add(func() { panic("boom") })
	r.add(func() { after = true })

	assert.NotPanics(t, r.run)
	assert.True(t, after)
}

func TestRegistry_ConcurrentAdd(t *testing.T) {
	r := &registry{kind: "test"}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.add(func() {})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.len())
}
