package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/huddle/internal/hub"
	"github.com/xiaot623/huddle/internal/protocol"
	"github.com/xiaot623/huddle/internal/room"
	"github.com/xiaot623/huddle/internal/store"
	"github.com/xiaot623/huddle/tests/helpers"
)

type fakeStore struct {
	mu      sync.Mutex
	creates []store.NewMessage
	deletes []string
	err     error
	hang    bool
	deleted bool
}

func (f *fakeStore) CreateMessage(ctx context.Context, msg store.NewMessage) (*store.Message, error) {
	f.mu.Lock()
	f.creates = append(f.creates, msg)
	err, hang := f.err, f.hang
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &store.Message{
		ID:          "m1",
		Content:     msg.Content,
		ChannelID:   msg.ChannelID,
		UserID:      msg.UserID,
		MessageType: store.DefaultMessageType,
		CreatedAt:   time.Now(),
		Username:    msg.UserID,
	}, nil
}

func (f *fakeStore) DeleteMessage(ctx context.Context, id, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id+"/"+userID)
	return f.deleted, f.err
}

func (f *fakeStore) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func setup(t *testing.T, fs *fakeStore, timeout time.Duration) (*hub.Hub, *Pipeline, *hub.Connection, *hub.Connection) {
	t.Helper()
	h := helpers.NewTestHub(t)
	p := New(h, fs, timeout, zerolog.Nop())
	a := helpers.Connect(t, h)
	b := helpers.Connect(t, h)
	helpers.On(t, h, func() {
		h.Join(a, room.ChannelRoom("general"))
		h.Join(b, room.ChannelRoom("general"))
	})
	return h, p, a, b
}

func send(t *testing.T, h *hub.Hub, fn func(*hub.Connection, json.RawMessage), conn *hub.Connection, data string) {
	t.Helper()
	helpers.On(t, h, func() {
		fn(conn, json.RawMessage(data))
	})
}

func TestSendBroadcastsToWholeChannel(t *testing.T) {
	fs := &fakeStore{}
	h, p, a, b := setup(t, fs, time.Second)

	send(t, h, p.Send, a, `{"content":"hi","channel_id":"general","user_id":"A"}`)

	for _, conn := range []*hub.Connection{a, b} {
		env := helpers.ExpectEvent(t, conn, protocol.EventNewMessage)
		var got store.Message
		require.NoError(t, json.Unmarshal(env.Data, &got))
		assert.Equal(t, "hi", got.Content)
		assert.NotEmpty(t, got.ID)
		assert.False(t, got.CreatedAt.IsZero())

		env = helpers.ExpectEvent(t, conn, protocol.EventChannelActivity)
		var activity protocol.ChannelActivity
		require.NoError(t, json.Unmarshal(env.Data, &activity))
		assert.Equal(t, "general", activity.ChannelID)
		assert.Equal(t, "hi", activity.LastMessage)
	}
	assert.Equal(t, 1, fs.createCount())
}

func TestSendPersistenceFailureOnlyNotifiesSender(t *testing.T) {
	fs := &fakeStore{err: errors.New("connection refused")}
	h, p, a, b := setup(t, fs, time.Second)

	send(t, h, p.Send, a, `{"content":"hi","channel_id":"general","user_id":"A"}`)

	env := helpers.ExpectEvent(t, a, protocol.EventMessageError)
	assert.JSONEq(t, `{"error":"Failed to send message"}`, string(env.Data))
	helpers.ExpectNoEvent(t, h, b)
	helpers.ExpectNoEvent(t, h, a)
}

func TestSendPersistenceTimeout(t *testing.T) {
	fs := &fakeStore{hang: true}
	h, p, a, b := setup(t, fs, 20*time.Millisecond)

	send(t, h, p.Send, a, `{"content":"hi","channel_id":"general","user_id":"A"}`)

	helpers.ExpectEvent(t, a, protocol.EventMessageError)
	helpers.ExpectNoEvent(t, h, b)
}

func TestSendValidation(t *testing.T) {
	cases := []struct {
		name  string
		data  string
		field string
	}{
		{"missing content", `{"channel_id":"general","user_id":"A"}`, "content"},
		{"blank content", `{"content":"   ","channel_id":"general","user_id":"A"}`, "content"},
		{"missing channel", `{"content":"hi","user_id":"A"}`, "channel_id"},
		{"missing user", `{"content":"hi","channel_id":"general"}`, "user_id"},
		{"not an object", `"hi"`, "content"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := &fakeStore{}
			h, p, a, b := setup(t, fs, time.Second)

			send(t, h, p.Send, a, tc.data)

			env := helpers.ExpectEvent(t, a, protocol.EventMessageError)
			var payload protocol.MessageError
			require.NoError(t, json.Unmarshal(env.Data, &payload))
			assert.Equal(t, tc.field+" is required", payload.Error)
			helpers.ExpectNoEvent(t, h, b)
			assert.Equal(t, 0, fs.createCount())
		})
	}
}

func TestSendAcceptsNumericIDsAndFileURL(t *testing.T) {
	fs := &fakeStore{}
	h, p, a, _ := setup(t, fs, time.Second)
	helpers.On(t, h, func() {
		h.Join(a, room.ChannelRoom("7"))
	})

	send(t, h, p.Send, a, `{"content":"pic","channel_id":7,"user_id":3,"message_type":"image","file_url":"/uploads/x.png"}`)
	helpers.ExpectEvent(t, a, protocol.EventNewMessage)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.creates, 1)
	got := fs.creates[0]
	assert.Equal(t, "7", got.ChannelID)
	assert.Equal(t, "3", got.UserID)
	assert.Equal(t, "image", got.MessageType)
	require.NotNil(t, got.FileURL)
	assert.Equal(t, "/uploads/x.png", *got.FileURL)
}

func TestDeleteBroadcastsWhenChannelKnown(t *testing.T) {
	fs := &fakeStore{deleted: true}
	h, p, a, b := setup(t, fs, time.Second)

	send(t, h, p.Delete, a, `{"messageId":"m1","userId":"A","channel_id":"general"}`)

	for _, conn := range []*hub.Connection{a, b} {
		env := helpers.ExpectEvent(t, conn, protocol.EventMessageDeleted)
		assert.JSONEq(t, `{"id":"m1","channel_id":"general","user_id":"A"}`, string(env.Data))
	}
}

func TestDeleteRefusedNotifiesSender(t *testing.T) {
	fs := &fakeStore{deleted: false}
	h, p, a, b := setup(t, fs, time.Second)

	send(t, h, p.Delete, a, `{"messageId":"m1","userId":"B","channel_id":"general"}`)

	env := helpers.ExpectEvent(t, a, protocol.EventMessageError)
	assert.JSONEq(t, `{"error":"Failed to delete message"}`, string(env.Data))
	helpers.ExpectNoEvent(t, h, b)
}

func TestDeleteValidation(t *testing.T) {
	fs := &fakeStore{}
	h, p, a, _ := setup(t, fs, time.Second)

	send(t, h, p.Delete, a, `{"userId":"A"}`)
	env := helpers.ExpectEvent(t, a, protocol.EventMessageError)
	assert.JSONEq(t, `{"error":"messageId is required"}`, string(env.Data))

	fs.mu.Lock()
	assert.Empty(t, fs.deletes)
	fs.mu.Unlock()
}

func TestPreviewTruncatesByRune(t *testing.T) {
	long := ""
	for i := 0; i < 150; i++ {
		long += "é"
	}
	assert.Equal(t, 100, len([]rune(preview(long))))
	assert.Equal(t, "short", preview("short"))
}

func TestPersistenceErrorUnwraps(t *testing.T) {
	err := &PersistenceError{Op: "create_message", Err: context.DeadlineExceeded}
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
