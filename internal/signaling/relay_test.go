package signaling

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/huddle/internal/hub"
	"github.com/xiaot623/huddle/internal/protocol"
	"github.com/xiaot623/huddle/internal/room"
	"github.com/xiaot623/huddle/tests/helpers"
)

func relay(t *testing.T, h *hub.Hub, fn func(*hub.Connection, json.RawMessage), conn *hub.Connection, data string) {
	t.Helper()
	helpers.On(t, h, func() {
		fn(conn, json.RawMessage(data))
	})
}

func TestCallUserReachesOnlyTargetConnection(t *testing.T) {
	h := helpers.NewTestHub(t)
	r := New(h, zerolog.Nop())
	connA := helpers.Connect(t, h)
	connB := helpers.Connect(t, h)
	connB2 := helpers.Connect(t, h) // bob's second device
	helpers.On(t, h, func() {
		h.Identify(connB, "bob")
		h.Identify(connB2, "bob")
	})

	relay(t, h, r.CallUser, connA, `{"offer":{"type":"offer","sdp":"v=0"},"to":"`+connB.ID+`"}`)

	env := helpers.ExpectEvent(t, connB, protocol.EventCallMade)
	assert.JSONEq(t, `{"offer":{"type":"offer","sdp":"v=0"},"socket":"`+connA.ID+`"}`, string(env.Data))
	helpers.ExpectNoEvent(t, h, connB2)
	helpers.ExpectNoEvent(t, h, connA)
}

func TestCallUserByUserRingsEveryOtherDevice(t *testing.T) {
	h := helpers.NewTestHub(t)
	r := New(h, zerolog.Nop())
	caller := helpers.Connect(t, h)
	b1 := helpers.Connect(t, h)
	b2 := helpers.Connect(t, h)
	helpers.On(t, h, func() {
		h.Identify(b1, "bob")
		h.Identify(b2, "bob")
	})

	relay(t, h, r.CallUser, caller, `{"offer":"sdp","to_user":"bob"}`)

	helpers.ExpectEvent(t, b1, protocol.EventCallMade)
	helpers.ExpectEvent(t, b2, protocol.EventCallMade)
	helpers.ExpectNoEvent(t, h, caller)
}

func TestAnswerCandidateAndRejectRouteByConnection(t *testing.T) {
	h := helpers.NewTestHub(t)
	r := New(h, zerolog.Nop())
	caller := helpers.Connect(t, h)
	callee := helpers.Connect(t, h)
	bystander := helpers.Connect(t, h)
	helpers.On(t, h, func() {
		h.Identify(caller, "alice")
		h.Identify(bystander, "alice")
	})

	relay(t, h, r.MakeAnswer, callee, `{"answer":{"type":"answer"},"to":"`+caller.ID+`"}`)
	env := helpers.ExpectEvent(t, caller, protocol.EventAnswerMade)
	assert.JSONEq(t, `{"socket":"`+callee.ID+`","answer":{"type":"answer"}}`, string(env.Data))

	relay(t, h, r.IceCandidate, callee, `{"candidate":{"candidate":"udp 1"},"to":"`+caller.ID+`"}`)
	env = helpers.ExpectEvent(t, caller, protocol.EventIceCandidate)
	assert.JSONEq(t, `{"candidate":{"candidate":"udp 1"},"socket":"`+callee.ID+`"}`, string(env.Data))

	relay(t, h, r.CallRejected, callee, `{"to":"`+caller.ID+`"}`)
	env = helpers.ExpectEvent(t, caller, protocol.EventCallRejected)
	assert.JSONEq(t, `{"socket":"`+callee.ID+`"}`, string(env.Data))

	helpers.ExpectNoEvent(t, h, bystander)
	helpers.ExpectNoEvent(t, h, callee)
}

func TestRelayToMissingTargetIsSilent(t *testing.T) {
	h := helpers.NewTestHub(t)
	r := New(h, zerolog.Nop())
	caller := helpers.Connect(t, h)

	relay(t, h, r.CallUser, caller, `{"offer":"sdp","to":"gone"}`)
	relay(t, h, r.MakeAnswer, caller, `{"answer":"sdp","to":"gone"}`)
	relay(t, h, r.CallUser, caller, `{"offer":"sdp","to_user":"nobody"}`)

	helpers.ExpectNoEvent(t, h, caller)
}

func TestRelayWithoutTargetIsRejected(t *testing.T) {
	h := helpers.NewTestHub(t)
	r := New(h, zerolog.Nop())
	caller := helpers.Connect(t, h)

	relay(t, h, r.CallRejected, caller, `{}`)

	env := helpers.ExpectEvent(t, caller, protocol.EventError)
	assert.Contains(t, string(env.Data), protocol.ErrorCodeInvalidMessage)
}

func TestStartVideoCallIncludesSender(t *testing.T) {
	h := helpers.NewTestHub(t)
	r := New(h, zerolog.Nop())
	a := helpers.Connect(t, h)
	b := helpers.Connect(t, h)
	other := helpers.Connect(t, h)
	helpers.On(t, h, func() {
		h.Join(a, room.ChannelRoom("general"))
		h.Join(b, room.ChannelRoom("general"))
		h.Join(other, room.ChannelRoom("random"))
	})

	relay(t, h, r.StartVideoCall, a, `{"channel_id":"general","caller":"alice"}`)

	for _, conn := range []*hub.Connection{a, b} {
		env := helpers.ExpectEvent(t, conn, protocol.EventVideoCallStarted)
		assert.JSONEq(t, `{"channel_id":"general","caller":"alice"}`, string(env.Data))
	}
	helpers.ExpectNoEvent(t, h, other)
}
