package triggers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectstack/objectstack/pkg/types"
)

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	resp, err := r.MaybeRun(ctx, BeforeSave, "Game", &Request{ClassName: "Game"})
	require.NoError(t, err)
	require.Nil(t, resp, "no handler means no response")

	r.Register(BeforeSave, "Game", func(_ context.Context, req *Request) (*Response, error) {
		obj := types.DeepCopy(req.Object)
		obj["checked"] = true
		return &Response{Object: obj}, nil
	})

	resp, err = r.MaybeRun(ctx, BeforeSave, "Game", &Request{
		ClassName: "Game",
		Object:    types.Object{"score": float64(1)},
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, true, resp.Object["checked"])

	// Kinds and classes do not leak into each other.
	resp, err = r.MaybeRun(ctx, AfterSave, "Game", &Request{ClassName: "Game"})
	require.NoError(t, err)
	require.Nil(t, resp)
	resp, err = r.MaybeRun(ctx, BeforeSave, "Note", &Request{ClassName: "Note"})
	require.NoError(t, err)
	require.Nil(t, resp)

	r.Unregister(BeforeSave, "Game")
	resp, err = r.MaybeRun(ctx, BeforeSave, "Game", &Request{ClassName: "Game"})
	require.NoError(t, err)
	require.Nil(t, resp)
}
