package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duplexmcp/duplexmcp/jsonrpc"
)

func TestResponseRouterChainOrderingAndRemoval(t *testing.T) {
	e := NewEngine(nil)

	var order []int
	r1 := func(resp *jsonrpc.Response) bool { order = append(order, 1); return false }
	r2 := func(resp *jsonrpc.Response) bool { order = append(order, 2); return true }
	r3 := func(resp *jsonrpc.Response) bool { order = append(order, 3); return true }

	e.AddResponseRouter(r1)
	remove2 := e.AddResponseRouter(r2)
	e.AddResponseRouter(r3)

	claimed := e.routeResponse(&jsonrpc.Response{ID: jsonrpc.IntID(1)})
	require.True(t, claimed)
	require.Equal(t, []int{1, 2}, order, "router 2 should have claimed the response, stopping the chain before router 3")

	order = nil
	remove2()
	claimed = e.routeResponse(&jsonrpc.Response{ID: jsonrpc.IntID(1)})
	require.True(t, claimed)
	require.Equal(t, []int{1, 3}, order, "after removing router 2, router 3 should claim it")
}

func TestClearResponseRouters(t *testing.T) {
	e := NewEngine(nil)
	e.AddResponseRouter(func(resp *jsonrpc.Response) bool { return true })
	e.ClearResponseRouters()
	require.False(t, e.routeResponse(&jsonrpc.Response{ID: jsonrpc.IntID(1)}))
}
