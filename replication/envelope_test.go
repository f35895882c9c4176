package replication

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvelopePool_ReusesReleasedEnvelope(t *testing.T) {
	p := newEnvelopePool()
	e1 := p.get()
	e1.ns = "default"
	e1.buf = []byte("hello")
	p.put(e1)

	e2 := p.get()
	assert.Same(t, e1, e2)
	assert.Empty(t, e2.ns)
	assert.Empty(t, e2.buf)
}

func TestEnvelopePool_CapBoundsFreeList(t *testing.T) {
	p := newEnvelopePool()
	var envs []*commandEnvelope
	for i := 0; i < envelopePoolCap+5; i++ {
		envs = append(envs, p.get())
	}
	for _, e := range envs {
		p.put(e)
	}
	assert.LessOrEqual(t, len(p.free), envelopePoolCap)
}

func TestEnvelopePool_ConcurrentUse(t *testing.T) {
	p := newEnvelopePool()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := p.get()
			e.buf = append(e.buf, 'x')
			p.put(e)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, len(p.free), envelopePoolCap)
}
