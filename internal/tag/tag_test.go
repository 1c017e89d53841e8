package tag

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	health = New[int]("health")
	name   = New[string]("name")
)

func TestGetOrDefault(t *testing.T) {
	var s Store

	assert.False(t, Has(&s, health))
	assert.Equal(t, 20, GetOrDefault(&s, health, 20))

	Set(&s, health, 7)
	v, ok := Get(&s, health)
	assert.True(t, ok)
	assert.Equal(t, 7, v)
	assert.Equal(t, 7, GetOrDefault(&s, health, 20))

	Remove(&s, health)
	assert.False(t, Has(&s, health))
}

func TestWrongTypeIsAbsent(t *testing.T) {
	r := FromMap(map[string]any{"health": "full", "name": "steve"})

	assert.False(t, Has(r, health))
	assert.Equal(t, 1, GetOrDefault(r, health, 1))
	assert.Equal(t, "steve", GetOrDefault(r, name, ""))
}

func TestStoreConcurrentAccess(t *testing.T) {
	var s Store
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			Set(&s, health, i)
		}(i)
		go func() {
			defer wg.Done()
			_ = GetOrDefault(&s, health, 0)
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"health"}, s.Keys())
}
