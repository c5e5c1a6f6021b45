package store_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"staychat/internal/model"
	"staychat/internal/store"
)

func newBadger(t *testing.T) *store.Badger {
	t.Helper()
	st, err := store.OpenBadger("", logs.GetLoggerFromLevel(slog.LevelDebug))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestBadgerContract(t *testing.T) {
	runContract(t, func(t *testing.T) store.Store { return newBadger(t) })
}

func TestBadger_PersistsAcrossReopen(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctx := context.Background()

	// Given a room with one message written to disk
	st, err := store.OpenBadger(dir, log)
	req.NoError(err)
	room, _, err := st.GetOrCreateRoom(ctx, "u-1", "p-1")
	req.NoError(err)
	msg, _, err := st.AppendMessage(ctx, model.NewMessage{
		RoomID: room.ID, SenderID: "u-1", SenderRole: model.RoleUser, Content: lo.ToPtr("persisted"),
	})
	req.NoError(err)
	req.NoError(st.Close())

	// When the database is reopened
	st, err = store.OpenBadger(dir, log)
	req.NoError(err)
	defer st.Close()

	// Then the room, its counter and the message survive
	got, err := st.GetRoom(ctx, room.ID)
	req.NoError(err)
	req.Equal(1, got.ProviderUnreadCount)
	messages, total, err := st.ListMessages(ctx, room.ID, store.Page{})
	req.NoError(err)
	req.Equal(1, total)
	req.Equal(msg.ID, messages[0].ID)
	req.Equal(msg.CreatedAt, messages[0].CreatedAt)
}

func TestBadger_SortByUpdatedAt(t *testing.T) {
	req := require.New(t)
	st := newBadger(t)
	ctx := context.Background()
	room, _, err := st.GetOrCreateRoom(ctx, "u-1", "p-1")
	req.NoError(err)

	// Given a provider message followed by a user message
	fromProvider, _, err := st.AppendMessage(ctx, model.NewMessage{
		RoomID: room.ID, SenderID: "p-1", SenderRole: model.RoleProvider, Content: lo.ToPtr("first"),
	})
	req.NoError(err)
	fromUser, _, err := st.AppendMessage(ctx, model.NewMessage{
		RoomID: room.ID, SenderID: "u-1", SenderRole: model.RoleUser, Content: lo.ToPtr("second"),
	})
	req.NoError(err)

	// When the user reads the provider message, touching it last
	_, _, err = st.MarkSeen(ctx, room.ID, model.RoleUser)
	req.NoError(err)

	// Then it sorts last by updatedAt
	messages, _, err := st.ListMessages(ctx, room.ID, store.Page{SortBy: store.SortUpdatedAt})
	req.NoError(err)
	req.Equal([]string{fromUser.ID, fromProvider.ID}, messageIDs(messages))
}

func TestBadger_MarkSeenLargeBacklog(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	// A small memtable caps a transaction at roughly a thousand entries.
	db, err := badger.Open(badger.DefaultOptions("").
		WithInMemory(true).
		WithMemTableSize(1 << 20).
		WithValueThreshold(1 << 10).
		WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	st := store.NewBadger(db, logs.GetLoggerFromLevel(slog.LevelInfo))
	defer st.Close()

	// Given a backlog that fits neither one transaction nor one batch
	const backlog = 2500
	room, _, err := st.GetOrCreateRoom(ctx, "u-1", "p-1")
	req.NoError(err)
	for i := 0; i < backlog; i++ {
		_, _, err := st.AppendMessage(ctx, model.NewMessage{
			RoomID: room.ID, SenderID: "u-1", SenderRole: model.RoleUser, Content: lo.ToPtr("ping"),
		})
		req.NoError(err)
	}
	_, _, err = st.AppendMessage(ctx, model.NewMessage{
		RoomID: room.ID, SenderID: "p-1", SenderRole: model.RoleProvider, Content: lo.ToPtr("pong"),
	})
	req.NoError(err)

	// When the provider marks the room seen
	marked, updated, err := st.MarkSeen(ctx, room.ID, model.RoleProvider)

	// Then every user message is flipped and the counter is zero
	req.NoError(err)
	req.Equal(backlog, marked)
	req.Zero(updated.ProviderUnreadCount)
	req.Equal(1, updated.UserUnreadCount)

	messages, total, err := st.ListMessages(ctx, room.ID, store.Page{Limit: 100, SortOrder: store.Desc})
	req.NoError(err)
	req.Equal(backlog+1, total)
	for _, m := range messages {
		req.Equal(m.SenderRole == model.RoleUser, m.Seen, m.ID)
	}

	// And a repeat only touches what arrived since
	marked, _, err = st.MarkSeen(ctx, room.ID, model.RoleProvider)
	req.NoError(err)
	req.Zero(marked)
}
