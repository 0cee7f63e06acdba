package rpc

import (
	"context"
	"encoding/json"
	"net/rpc/jsonrpc"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/huddle/internal/room"
	"github.com/xiaot623/huddle/tests/helpers"
)

func TestEmitOverJSONRPC(t *testing.T) {
	h := helpers.NewTestHub(t)
	conn := helpers.Connect(t, h)
	helpers.On(t, h, func() { h.Join(conn, room.ChannelRoom("general")) })

	srv, err := NewServer(h, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	client, err := jsonrpc.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	var resp EmitResponse
	err = client.Call("Realtime.Emit", &EmitRequest{
		ChannelID: "general",
		Event:     "channel_updated",
		Data:      json.RawMessage(`{"name":"General"}`),
	}, &resp)
	require.NoError(t, err)
	assert.Equal(t, EmitResponse{OK: true, Delivered: 1}, resp)

	env := helpers.ExpectEvent(t, conn, "channel_updated")
	assert.JSONEq(t, `{"name":"General"}`, string(env.Data))

	err = client.Call("Realtime.Emit", &EmitRequest{Event: "channel_updated"}, &resp)
	assert.EqualError(t, err, "exactly one target is required")

	err = client.Call("Realtime.Emit", &EmitRequest{ChannelID: "general", UserID: "alice", Event: "x"}, &resp)
	assert.EqualError(t, err, "exactly one target is required")
}

func TestEmitHandlerValidation(t *testing.T) {
	h := &Handler{hub: helpers.NewTestHub(t), logger: zerolog.Nop()}

	assert.Error(t, h.Emit(nil, nil))
	assert.EqualError(t, h.Emit(&EmitRequest{Room: "presence"}, &EmitResponse{}), "event is required")

	var resp EmitResponse
	require.NoError(t, h.Emit(&EmitRequest{ConnectionID: "gone", Event: "x"}, &resp))
	assert.True(t, resp.OK)
	assert.Zero(t, resp.Delivered)
}

func TestShutdownStopsServe(t *testing.T) {
	srv, err := NewServer(helpers.NewTestHub(t), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}

	_, err = jsonrpc.Dial("tcp", srv.Addr().String())
	assert.Error(t, err)
}
