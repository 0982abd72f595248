package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
)

type widget struct {
	id int
}

type gadget struct{}

type orderedCloser struct {
	name   string
	closed *[]string
	mu     *sync.Mutex
	err    error
}

func (c *orderedCloser) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.closed = append(*c.closed, c.name)
	return c.err
}

func TestRegistryFirstCallerCreates(t *testing.T) {
	reg := New()

	var created atomic.Int32
	factory := func() (any, error) {
		created.Add(1)
		return &widget{id: 42}, nil
	}

	first, err := reg.GetOrCreate("buffer", factory)
	require.NoError(t, err)
	second, err := reg.GetOrCreate("buffer", factory)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), created.Load())
}

func TestRegistryConcurrentAttach(t *testing.T) {
	reg := New()

	var created atomic.Int32
	var wg sync.WaitGroup
	results := make([]*widget, 16)
	errs := make([]error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Attach(reg, "channel", func() (*widget, error) {
				created.Add(1)
				return &widget{id: i}, nil
			})
		}(i)
	}
	wg.Wait()

	// Exactly one caller created; everyone attached to the same instance.
	assert.Equal(t, int32(1), created.Load())
	for i := 0; i < 16; i++ {
		require.NoError(t, errs[i])
	}
	for i := 1; i < 16; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestRegistryAttachTypeMismatch(t *testing.T) {
	reg := New()

	_, err := Attach(reg, "thing", func() (*widget, error) { return &widget{}, nil })
	require.NoError(t, err)

	_, err = Attach(reg, "thing", func() (*gadget, error) { return &gadget{}, nil })
	require.Error(t, err)
	assert.True(t, rl.IsCode(err, rl.ErrorCodeRegistryTypeMismatch))
}

func TestRegistryFactoryErrorLeavesNameUnbound(t *testing.T) {
	reg := New()

	_, err := reg.GetOrCreate("flaky", func() (any, error) {
		return nil, errors.New("backend down")
	})
	require.Error(t, err)
	assert.Equal(t, 0, reg.Len())

	// The next caller gets another shot at creating.
	w, err := reg.GetOrCreate("flaky", func() (any, error) {
		return &widget{id: 1}, nil
	})
	require.NoError(t, err)
	assert.NotNil(t, w)
}

func TestRegistryGetAndNames(t *testing.T) {
	reg := New()
	_, err := reg.GetOrCreate("router", func() (any, error) { return &widget{}, nil })
	require.NoError(t, err)
	_, err = reg.GetOrCreate("buffer", func() (any, error) { return &widget{}, nil })
	require.NoError(t, err)

	_, ok := reg.Get("router")
	assert.True(t, ok)
	_, ok = reg.Get("absent")
	assert.False(t, ok)

	assert.Equal(t, []string{"buffer", "router"}, reg.Names())
	assert.Equal(t, 2, reg.Len())
}

func TestRegistryLookup(t *testing.T) {
	reg := New()
	_, err := reg.GetOrCreate("thing", func() (any, error) { return &widget{id: 7}, nil })
	require.NoError(t, err)

	w, ok, err := Lookup[*widget](reg, "thing")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, w.id)

	_, ok, err = Lookup[*widget](reg, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = Lookup[*gadget](reg, "thing")
	require.True(t, ok)
	assert.True(t, rl.IsCode(err, rl.ErrorCodeRegistryTypeMismatch))
}

func TestRegistryRemove(t *testing.T) {
	reg := New()
	_, err := reg.GetOrCreate("thing", func() (any, error) { return &widget{}, nil })
	require.NoError(t, err)

	assert.True(t, reg.Remove("thing"))
	assert.False(t, reg.Remove("thing"))
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryCloseReverseOrder(t *testing.T) {
	reg := New()
	var mu sync.Mutex
	var closed []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		_, err := reg.GetOrCreate(name, func() (any, error) {
			return &orderedCloser{name: name, closed: &closed, mu: &mu}, nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, reg.Close(context.Background()))
	assert.Equal(t, []string{"third", "second", "first"}, closed)

	// A closed registry refuses new entries but tolerates double close.
	_, err := reg.GetOrCreate("late", func() (any, error) { return &widget{}, nil })
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, reg.Close(context.Background()))
}

func TestRegistryCloseJoinsErrors(t *testing.T) {
	reg := New()
	var mu sync.Mutex
	var closed []string
	closeErr := errors.New("close failed")
	_, err := reg.GetOrCreate("bad", func() (any, error) {
		return &orderedCloser{name: "bad", closed: &closed, mu: &mu, err: closeErr}, nil
	})
	require.NoError(t, err)
	_, err = reg.GetOrCreate("good", func() (any, error) {
		return &orderedCloser{name: "good", closed: &closed, mu: &mu}, nil
	})
	require.NoError(t, err)

	err = reg.Close(context.Background())
	assert.ErrorIs(t, err, closeErr)
	// Both entries were closed despite the failure.
	assert.ElementsMatch(t, []string{"bad", "good"}, closed)
}
