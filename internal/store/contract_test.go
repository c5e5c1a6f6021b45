package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"staychat/internal/chaterr"
	"staychat/internal/model"
	"staychat/internal/store"
)

// runContract exercises the behaviour every Store must share.
func runContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("get or create returns the same room for a pair", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := context.Background()

		// Given a fresh pair
		first, created, err := st.GetOrCreateRoom(ctx, "u-1", "p-1")
		req.NoError(err)
		req.True(created)

		// When the pair is opened again
		second, created, err := st.GetOrCreateRoom(ctx, "u-1", "p-1")

		// Then the existing room is returned
		req.NoError(err)
		req.False(created)
		req.Equal(first.ID, second.ID)
		req.Zero(second.UserUnreadCount)
		req.Zero(second.ProviderUnreadCount)
	})

	t.Run("concurrent opens create a single room", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		ids := make([]string, 10)
		errs := make([]error, 10)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				room, _, err := st.GetOrCreateRoom(ctx, "u-c", "p-c")
				ids[i], errs[i] = room.ID, err
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			req.NoError(err)
		}
		req.Len(lo.Uniq(ids), 1)
	})

	t.Run("append then list round trips", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := context.Background()
		room, _, err := st.GetOrCreateRoom(ctx, "u-2", "p-2")
		req.NoError(err)

		// Given a message and a reply to it
		first, updated, err := st.AppendMessage(ctx, model.NewMessage{
			RoomID: room.ID, SenderID: "u-2", SenderRole: model.RoleUser, Content: lo.ToPtr("Hi"),
		})
		req.NoError(err)
		req.Equal(1, updated.ProviderUnreadCount)
		req.Equal("Hi", lo.FromPtr(updated.LastMessage))

		reply, _, err := st.AppendMessage(ctx, model.NewMessage{
			RoomID: room.ID, SenderID: "p-2", SenderRole: model.RoleProvider,
			Image: lo.ToPtr("https://cdn.example.com/a.png"), ReplyTo: lo.ToPtr(first.ID),
		})
		req.NoError(err)

		// When the room is listed
		messages, total, err := st.ListMessages(ctx, room.ID, store.Page{})

		// Then both come back unchanged and unseen
		req.NoError(err)
		req.Equal(2, total)
		req.Len(messages, 2)
		req.Equal(first.ID, messages[0].ID)
		req.Equal("Hi", lo.FromPtr(messages[0].Content))
		req.Nil(messages[0].Image)
		req.False(messages[0].Seen)
		req.Equal(reply.ID, messages[1].ID)
		req.Equal("https://cdn.example.com/a.png", lo.FromPtr(messages[1].Image))
		req.NotNil(messages[1].ReplyTo)
		req.Equal(first.ID, messages[1].ReplyTo.ID)
		req.False(messages[1].Seen)

		got, err := st.GetRoom(ctx, room.ID)
		req.NoError(err)
		req.Equal(model.ImagePreview, lo.FromPtr(got.LastMessage))
		req.Equal(1, got.UserUnreadCount)
		req.Equal(1, got.ProviderUnreadCount)
	})

	t.Run("message without body is rejected", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := context.Background()
		room, _, err := st.GetOrCreateRoom(ctx, "u-3", "p-3")
		req.NoError(err)

		_, _, err = st.AppendMessage(ctx, model.NewMessage{
			RoomID: room.ID, SenderID: "u-3", SenderRole: model.RoleUser, Content: lo.ToPtr("   "),
		})

		req.ErrorIs(err, chaterr.ErrValidation)
		got, err := st.GetRoom(ctx, room.ID)
		req.NoError(err)
		req.Zero(got.ProviderUnreadCount)
	})

	t.Run("reply target must exist in the same room", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := context.Background()
		room, _, err := st.GetOrCreateRoom(ctx, "u-4", "p-4")
		req.NoError(err)
		other, _, err := st.GetOrCreateRoom(ctx, "u-4", "p-5")
		req.NoError(err)
		foreign, _, err := st.AppendMessage(ctx, model.NewMessage{
			RoomID: other.ID, SenderID: "u-4", SenderRole: model.RoleUser, Content: lo.ToPtr("elsewhere"),
		})
		req.NoError(err)

		for _, target := range []string{"424242", "missing", foreign.ID} {
			_, _, err = st.AppendMessage(ctx, model.NewMessage{
				RoomID: room.ID, SenderID: "u-4", SenderRole: model.RoleUser,
				Content: lo.ToPtr("re"), ReplyTo: lo.ToPtr(target),
			})
			req.ErrorIs(err, chaterr.ErrNotFound, target)
		}

		_, total, err := st.ListMessages(ctx, room.ID, store.Page{})
		req.NoError(err)
		req.Zero(total)
	})

	t.Run("unknown room is not found", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := context.Background()

		_, err := st.GetRoom(ctx, "123456789")
		req.ErrorIs(err, chaterr.ErrNotFound)

		_, _, err = st.AppendMessage(ctx, model.NewMessage{
			RoomID: "123456789", SenderID: "u", SenderRole: model.RoleUser, Content: lo.ToPtr("x"),
		})
		req.ErrorIs(err, chaterr.ErrNotFound)
	})

	t.Run("concurrent sends count every message", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := context.Background()
		room, _, err := st.GetOrCreateRoom(ctx, "u-6", "p-6")
		req.NoError(err)

		const senders = 20
		var wg sync.WaitGroup
		errs := make(chan error, senders)
		for i := 0; i < senders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _, err := st.AppendMessage(ctx, model.NewMessage{
					RoomID: room.ID, SenderID: "u-6", SenderRole: model.RoleUser,
					Content: lo.ToPtr(fmt.Sprintf("m%d", i)),
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			req.NoError(err)
		}

		got, err := st.GetRoom(ctx, room.ID)
		req.NoError(err)
		req.Equal(senders, got.ProviderUnreadCount)
		req.Zero(got.UserUnreadCount)

		messages, total, err := st.ListMessages(ctx, room.ID, store.Page{Limit: store.MaxLimit})
		req.NoError(err)
		req.Equal(senders, total)
		for i := 1; i < len(messages); i++ {
			req.False(messages[i].CreatedAt.Before(messages[i-1].CreatedAt))
		}
	})

	t.Run("mark seen flips messages and is idempotent", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := context.Background()
		room, _, err := st.GetOrCreateRoom(ctx, "u-7", "p-7")
		req.NoError(err)

		// Given three messages to the provider and one to the user
		for i := 0; i < 3; i++ {
			_, _, err := st.AppendMessage(ctx, model.NewMessage{
				RoomID: room.ID, SenderID: "u-7", SenderRole: model.RoleUser, Content: lo.ToPtr("ping"),
			})
			req.NoError(err)
		}
		_, _, err = st.AppendMessage(ctx, model.NewMessage{
			RoomID: room.ID, SenderID: "p-7", SenderRole: model.RoleProvider, Content: lo.ToPtr("pong"),
		})
		req.NoError(err)

		// When the provider marks the room seen
		marked, updated, err := st.MarkSeen(ctx, room.ID, model.RoleProvider)

		// Then only the provider's side is cleared
		req.NoError(err)
		req.Equal(3, marked)
		req.Zero(updated.ProviderUnreadCount)
		req.Equal(1, updated.UserUnreadCount)

		messages, _, err := st.ListMessages(ctx, room.ID, store.Page{})
		req.NoError(err)
		for _, m := range messages {
			req.Equal(m.SenderRole == model.RoleUser, m.Seen, m.ID)
		}

		// And a repeat changes nothing
		marked, again, err := st.MarkSeen(ctx, room.ID, model.RoleProvider)
		req.NoError(err)
		req.Zero(marked)
		req.Zero(again.ProviderUnreadCount)
		req.Equal(1, again.UserUnreadCount)
	})

	t.Run("pages and sort order", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := context.Background()
		room, _, err := st.GetOrCreateRoom(ctx, "u-8", "p-8")
		req.NoError(err)
		var ids []string
		for i := 0; i < 5; i++ {
			msg, _, err := st.AppendMessage(ctx, model.NewMessage{
				RoomID: room.ID, SenderID: "u-8", SenderRole: model.RoleUser, Content: lo.ToPtr(fmt.Sprint(i)),
			})
			req.NoError(err)
			ids = append(ids, msg.ID)
		}

		page, total, err := st.ListMessages(ctx, room.ID, store.Page{Number: 2, Limit: 2})
		req.NoError(err)
		req.Equal(5, total)
		req.Equal(ids[2:4], messageIDs(page))

		page, _, err = st.ListMessages(ctx, room.ID, store.Page{Number: 1, Limit: 2, SortOrder: store.Desc})
		req.NoError(err)
		req.Equal([]string{ids[4], ids[3]}, messageIDs(page))

		page, _, err = st.ListMessages(ctx, room.ID, store.Page{Number: 3, Limit: 2})
		req.NoError(err)
		req.Equal(ids[4:], messageIDs(page))

		_, _, err = st.ListMessages(ctx, room.ID, store.Page{SortBy: "content"})
		req.ErrorIs(err, chaterr.ErrValidation)
	})

	t.Run("get messages ignores other rooms and missing ids", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := context.Background()
		room, _, err := st.GetOrCreateRoom(ctx, "u-9", "p-9")
		req.NoError(err)
		other, _, err := st.GetOrCreateRoom(ctx, "u-9", "p-10")
		req.NoError(err)
		mine, _, err := st.AppendMessage(ctx, model.NewMessage{
			RoomID: room.ID, SenderID: "u-9", SenderRole: model.RoleUser, Content: lo.ToPtr("mine"),
		})
		req.NoError(err)
		theirs, _, err := st.AppendMessage(ctx, model.NewMessage{
			RoomID: other.ID, SenderID: "u-9", SenderRole: model.RoleUser, Content: lo.ToPtr("theirs"),
		})
		req.NoError(err)

		found, err := st.GetMessages(ctx, room.ID, []string{mine.ID, theirs.ID, "999999"})

		req.NoError(err)
		req.Len(found, 1)
		req.Equal("mine", lo.FromPtr(found[mine.ID].Content))
	})

	t.Run("rooms are listed by latest activity", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := context.Background()
		older, _, err := st.GetOrCreateRoom(ctx, "u-11", "p-11")
		req.NoError(err)
		newer, _, err := st.GetOrCreateRoom(ctx, "u-11", "p-12")
		req.NoError(err)
		_, _, err = st.GetOrCreateRoom(ctx, "u-other", "p-11")
		req.NoError(err)

		_, _, err = st.AppendMessage(ctx, model.NewMessage{
			RoomID: older.ID, SenderID: "p-11", SenderRole: model.RoleProvider, Content: lo.ToPtr("bump"),
		})
		req.NoError(err)

		rooms, err := st.ListRooms(ctx, "u-11", model.RoleUser)
		req.NoError(err)
		req.Equal([]string{older.ID, newer.ID}, lo.Map(rooms, func(r model.ChatRoom, _ int) string { return r.ID }))

		rooms, err = st.ListRooms(ctx, "p-11", model.RoleProvider)
		req.NoError(err)
		req.Len(rooms, 2)

		rooms, err = st.ListRooms(ctx, "u-11", model.RoleProvider)
		req.NoError(err)
		req.Empty(rooms)
	})
}

func messageIDs(messages []model.Message) []string {
	return lo.Map(messages, func(m model.Message, _ int) string { return m.ID })
}
