package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_PublishInOrder(t *testing.T) {
	r := NewRegistry[int]()
	var got []string

	r.Subscribe(func(v int) { got = append(got, "a") })
	r.Subscribe(func(v int) { got = append(got, "b") })

	r.Publish(1)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestRegistry_CancelIdempotent(t *testing.T) {
	r := NewRegistry[string]()
	calls := 0

	cancel := r.Subscribe(func(string) { calls++ })
	r.Publish("x")
	cancel()
	cancel()
	r.Publish("y")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_CancelFromCallback(t *testing.T) {
	r := NewRegistry[int]()
	calls := 0

	var cancel Cancel
	cancel = r.Subscribe(func(int) {
		calls++
		cancel()
	})

	r.Publish(1)
	r.Publish(2)
	assert.Equal(t, 1, calls)
}
