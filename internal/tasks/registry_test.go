package tasks

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raws(vals ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		out[i] = json.RawMessage(v)
	}
	return out
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := func(context.Context, Invocation) (any, error) { return nil, nil }
	reg.Register("b", noop)
	reg.Register("a", noop)

	_, ok := reg.Lookup("a")
	assert.True(t, ok)
	_, ok = reg.Lookup("c")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	assert.Panics(t, func() { reg.Register("a", noop) })
	assert.Panics(t, func() { reg.Register("", noop) })
}

func TestRegistryWrap(t *testing.T) {
	reg := NewRegistry()
	reg.Register("a", func(context.Context, Invocation) (any, error) { return 1, nil })

	var seen []string
	reg.Wrap(func(next Handler) Handler {
		return func(ctx context.Context, inv Invocation) (any, error) {
			seen = append(seen, inv.Name)
			return next(ctx, inv)
		}
	})

	h, _ := reg.Lookup("a")
	res, err := h(context.Background(), Invocation{Name: "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, res)
	assert.Equal(t, []string{"a"}, seen)
}

func TestInvocationBind(t *testing.T) {
	inv := Invocation{Name: "reports.generate", Args: raws(`"sales"`, `"csv"`)}
	var kind, format string
	require.NoError(t, inv.Bind(&kind, &format))
	assert.Equal(t, "sales", kind)
	assert.Equal(t, "csv", format)

	var n int
	assert.Error(t, inv.Bind(&n))
}

func TestInvocationBindNamedFallsBackToKwargs(t *testing.T) {
	inv := Invocation{
		Args:   raws(`"users"`),
		Kwargs: map[string]json.RawMessage{"format": json.RawMessage(`"json"`)},
	}
	kind, format, missing := "", "csv", "keep"
	require.NoError(t, inv.BindNamed([]string{"report_type", "format", "extra"}, &kind, &format, &missing))
	assert.Equal(t, "users", kind)
	assert.Equal(t, "json", format)
	assert.Equal(t, "keep", missing)
}

func TestTyped(t *testing.T) {
	type params struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	h := Typed(func(_ context.Context, p params) (string, error) {
		return p.Name + ":" + string(rune('0'+p.Count)), nil
	})

	res, err := h(context.Background(), Invocation{Args: raws(`{"name":"x","count":2}`)})
	require.NoError(t, err)
	assert.Equal(t, "x:2", res)

	res, err = h(context.Background(), Invocation{Kwargs: map[string]json.RawMessage{
		"name":  json.RawMessage(`"y"`),
		"count": json.RawMessage(`3`),
	}})
	require.NoError(t, err)
	assert.Equal(t, "y:3", res)

	_, err = h(context.Background(), Invocation{Args: raws(`[1]`)})
	assert.Error(t, err)
}

func TestProcessBuiltin(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)
	h, ok := reg.Lookup(ProcessTask)
	require.True(t, ok)

	res, err := h(context.Background(), Invocation{Args: raws(`{"k":"v"}`)})
	require.NoError(t, err)
	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"completed","payload":{"k":"v"}}`, string(b))

	res, err = h(context.Background(), Invocation{})
	require.NoError(t, err)
	b, err = json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"completed","payload":null}`, string(b))
}
