package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"staychat/internal/chaterr"
	"staychat/internal/model"
	"staychat/internal/syncx"
)

// Key layout:
//
//	room:{roomID}                        -> roomRecord
//	pair:{userID}\x00{providerID}        -> roomID
//	member:{role}:{identityID}\x00{roomID} -> empty
//	msg:{roomID}:{seq%020d}              -> messageRecord
//	msgid:{messageID}                    -> msg key
//	unseen:{roomID}:{role}:{seq%020d}    -> msg key
//
// The per-room sequence is allocated inside the same transaction that
// inserts the message, so key order is persistence order.
const (
	roomPrefix   = "room:"
	pairPrefix   = "pair:"
	memberPrefix = "member:"
	msgPrefix    = "msg:"
	msgIDPrefix  = "msgid:"
	unseenPrefix = "unseen:"

	maxConflictRetries = 8
	seenBatchSize      = 1000
)

type roomRecord struct {
	ID             string  `cbor:"1,keyasint"`
	UserID         string  `cbor:"2,keyasint"`
	ProviderID     string  `cbor:"3,keyasint"`
	LastMessage    *string `cbor:"4,keyasint,omitempty"`
	LastMessageAt  int64   `cbor:"5,keyasint,omitempty"`
	UserUnread     int     `cbor:"6,keyasint"`
	ProviderUnread int     `cbor:"7,keyasint"`
	Seq            uint64  `cbor:"8,keyasint"`
	CreatedAt      int64   `cbor:"9,keyasint"`
	UpdatedAt      int64   `cbor:"10,keyasint"`
}

type messageRecord struct {
	ID         string  `cbor:"1,keyasint"`
	RoomID     string  `cbor:"2,keyasint"`
	SenderID   string  `cbor:"3,keyasint"`
	SenderRole string  `cbor:"4,keyasint"`
	Content    *string `cbor:"5,keyasint,omitempty"`
	Image      *string `cbor:"6,keyasint,omitempty"`
	ReplyTo    *string `cbor:"7,keyasint,omitempty"`
	Seen       bool    `cbor:"8,keyasint"`
	CreatedAt  int64   `cbor:"9,keyasint"`
	UpdatedAt  int64   `cbor:"10,keyasint"`
}

func (r roomRecord) toModel() model.ChatRoom {
	room := model.ChatRoom{
		ID:                  r.ID,
		UserID:              r.UserID,
		ProviderID:          r.ProviderID,
		LastMessage:         r.LastMessage,
		UserUnreadCount:     r.UserUnread,
		ProviderUnreadCount: r.ProviderUnread,
		CreatedAt:           time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:           time.Unix(0, r.UpdatedAt).UTC(),
	}
	if r.LastMessageAt != 0 {
		room.LastMessageAt = lo.ToPtr(time.Unix(0, r.LastMessageAt).UTC())
	}
	return room
}

func (m messageRecord) toModel() model.Message {
	msg := model.Message{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderRole: model.Role(m.SenderRole),
		Content:    m.Content,
		Image:      m.Image,
		Seen:       m.Seen,
		CreatedAt:  time.Unix(0, m.CreatedAt).UTC(),
		UpdatedAt:  time.Unix(0, m.UpdatedAt).UTC(),
	}
	if m.ReplyTo != nil {
		msg.ReplyTo = model.Unresolved(*m.ReplyTo)
	}
	return msg
}

// Badger is the embedded store used for single-node deployments and tests.
type Badger struct {
	db    *badger.DB
	log   *slog.Logger
	locks *syncx.KeyedMutex
	now   func() time.Time
}

func NewBadger(db *badger.DB, log *slog.Logger) *Badger {
	return &Badger{db: db, log: log, locks: syncx.NewKeyedMutex(), now: time.Now}
}

// OpenBadger opens a badger database at path, or an in-memory one when path
// is empty.
func OpenBadger(path string, log *slog.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("database opening failed: %w", err)
	}
	return NewBadger(db, log), nil
}

func (b *Badger) Close() error { return b.db.Close() }

func roomKey(id string) []byte { return []byte(roomPrefix + id) }

func pairKey(userID, providerID string) []byte {
	return []byte(pairPrefix + userID + "\x00" + providerID)
}

func memberKey(role model.Role, identityID, roomID string) []byte {
	return []byte(memberPrefix + string(role) + ":" + identityID + "\x00" + roomID)
}

func memberScanPrefix(role model.Role, identityID string) []byte {
	return []byte(memberPrefix + string(role) + ":" + identityID + "\x00")
}

func messagesPrefix(roomID string) []byte { return []byte(msgPrefix + roomID + ":") }

func messageKey(roomID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", msgPrefix, roomID, seq))
}

func messageIDKey(id string) []byte { return []byte(msgIDPrefix + id) }

// unseenKey indexes a message by the role it is addressed to until that role
// has seen it.
func unseenKey(roomID string, recipient model.Role, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d", unseenPrefix, roomID, recipient, seq))
}

func unseenScanPrefix(roomID string, recipient model.Role) []byte {
	return []byte(unseenPrefix + roomID + ":" + string(recipient) + ":")
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (b *Badger) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		b.log.Debug("Badger transaction conflict, retrying", "attempt", attempt+1)
	}
	return err
}

func getValue(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return cbor.Unmarshal(val, out)
	})
}

func setValue(txn *badger.Txn, key []byte, v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}
	return txn.Set(key, data)
}

func loadRoom(txn *badger.Txn, roomID string) (roomRecord, error) {
	var rec roomRecord
	err := getValue(txn, roomKey(roomID), &rec)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return roomRecord{}, chaterr.NotFound("room", roomID)
	}
	if err != nil {
		return roomRecord{}, fmt.Errorf("failed to load room: %w", err)
	}
	return rec, nil
}

func loadMessageByID(txn *badger.Txn, id string) (messageRecord, error) {
	item, err := txn.Get(messageIDKey(id))
	if err != nil {
		return messageRecord{}, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return messageRecord{}, err
	}
	var rec messageRecord
	err = getValue(txn, key, &rec)
	return rec, err
}

func (b *Badger) GetOrCreateRoom(ctx context.Context, userID, providerID string) (model.ChatRoom, bool, error) {
	unlock := b.locks.Lock(string(pairKey(userID, providerID)))
	defer unlock()

	var (
		rec     roomRecord
		created bool
	)
	err := b.update(ctx, func(txn *badger.Txn) error {
		created = false
		item, err := txn.Get(pairKey(userID, providerID))
		if err == nil {
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err = loadRoom(txn, string(id))
			return err
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		now := b.now().UTC().UnixNano()
		rec = roomRecord{
			ID:         uuid.NewString(),
			UserID:     userID,
			ProviderID: providerID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := setValue(txn, roomKey(rec.ID), rec); err != nil {
			return err
		}
		if err := txn.Set(pairKey(userID, providerID), []byte(rec.ID)); err != nil {
			return err
		}
		if err := txn.Set(memberKey(model.RoleUser, userID, rec.ID), nil); err != nil {
			return err
		}
		if err := txn.Set(memberKey(model.RoleProvider, providerID, rec.ID), nil); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return model.ChatRoom{}, false, err
	}
	return rec.toModel(), created, nil
}

func (b *Badger) GetRoom(_ context.Context, roomID string) (model.ChatRoom, error) {
	var rec roomRecord
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = loadRoom(txn, roomID)
		return err
	})
	if err != nil {
		return model.ChatRoom{}, err
	}
	return rec.toModel(), nil
}

func (b *Badger) ListRooms(_ context.Context, identityID string, role model.Role) ([]model.ChatRoom, error) {
	rooms := []model.ChatRoom{}
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := memberScanPrefix(role, identityID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var ids []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		it.Close()

		for _, id := range ids {
			rec, err := loadRoom(txn, id)
			if err != nil {
				return err
			}
			rooms = append(rooms, rec.toModel())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].ActivityAt().After(rooms[j].ActivityAt())
	})
	return rooms, nil
}

func (b *Badger) AppendMessage(ctx context.Context, msg model.NewMessage) (model.Message, model.ChatRoom, error) {
	if err := validateNew(msg); err != nil {
		return model.Message{}, model.ChatRoom{}, err
	}

	unlock := b.locks.Lock(msg.RoomID)
	defer unlock()

	var (
		created messageRecord
		room    roomRecord
	)
	err := b.update(ctx, func(txn *badger.Txn) error {
		var err error
		room, err = loadRoom(txn, msg.RoomID)
		if err != nil {
			return err
		}
		if msg.ReplyTo != nil {
			target, err := loadMessageByID(txn, *msg.ReplyTo)
			if errors.Is(err, badger.ErrKeyNotFound) || (err == nil && target.RoomID != room.ID) {
				return chaterr.NotFound("message", *msg.ReplyTo)
			}
			if err != nil {
				return fmt.Errorf("failed to load reply target: %w", err)
			}
		}

		now := b.now().UTC().UnixNano()
		if now < room.LastMessageAt {
			now = room.LastMessageAt
		}
		room.Seq++
		created = messageRecord{
			ID:         uuid.NewString(),
			RoomID:     room.ID,
			SenderID:   msg.SenderID,
			SenderRole: string(msg.SenderRole),
			Content:    msg.Content,
			Image:      msg.Image,
			ReplyTo:    msg.ReplyTo,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		key := messageKey(room.ID, room.Seq)
		if err := setValue(txn, key, created); err != nil {
			return err
		}
		if err := txn.Set(messageIDKey(created.ID), key); err != nil {
			return err
		}
		if err := txn.Set(unseenKey(room.ID, msg.SenderRole.Opposite(), room.Seq), key); err != nil {
			return err
		}

		room.LastMessage = lo.ToPtr(created.toModel().Preview())
		room.LastMessageAt = now
		room.UpdatedAt = now
		if msg.SenderRole.Opposite() == model.RoleProvider {
			room.ProviderUnread++
		} else {
			room.UserUnread++
		}
		return setValue(txn, roomKey(room.ID), room)
	})
	if err != nil {
		return model.Message{}, model.ChatRoom{}, err
	}
	return created.toModel(), room.toModel(), nil
}

func (b *Badger) ListMessages(_ context.Context, roomID string, page Page) ([]model.Message, int, error) {
	page, err := page.Normalize()
	if err != nil {
		return nil, 0, err
	}

	var (
		total   int
		records []messageRecord
	)
	err = b.db.View(func(txn *badger.Txn) error {
		if _, err := loadRoom(txn, roomID); err != nil {
			return err
		}
		prefix := messagesPrefix(roomID)

		// createdAt order is key order; updatedAt needs the whole room.
		if page.SortBy == SortUpdatedAt {
			all, err := scanMessages(txn, prefix, false, 0, -1)
			if err != nil {
				return err
			}
			sort.SliceStable(all, func(i, j int) bool {
				if page.SortOrder == Desc {
					return all[i].UpdatedAt > all[j].UpdatedAt
				}
				return all[i].UpdatedAt < all[j].UpdatedAt
			})
			total = len(all)
			records = window(all, page.Offset(), page.Limit)
			return nil
		}

		total = countPrefix(txn, prefix)
		records, err = scanMessages(txn, prefix, page.SortOrder == Desc, page.Offset(), page.Limit)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	messages := make([]model.Message, 0, len(records))
	for _, rec := range records {
		messages = append(messages, rec.toModel())
	}
	return messages, total, nil
}

func countPrefix(txn *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n
}

// scanMessages walks a room's messages in key order (or reverse), skipping
// offset entries and returning at most limit (all when limit < 0).
func scanMessages(txn *badger.Txn, prefix []byte, reverse bool, offset, limit int) ([]messageRecord, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if reverse {
		seek = append(append([]byte{}, prefix...), 0xff)
	}
	var out []messageRecord
	skipped := 0
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		if skipped < offset {
			skipped++
			continue
		}
		if limit >= 0 && len(out) == limit {
			break
		}
		var rec messageRecord
		if err := it.Item().Value(func(val []byte) error {
			return cbor.Unmarshal(val, &rec)
		}); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func window(all []messageRecord, offset, limit int) []messageRecord {
	if offset >= len(all) {
		return nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end]
}

func (b *Badger) GetMessages(_ context.Context, roomID string, ids []string) (map[string]model.Message, error) {
	found := make(map[string]model.Message, len(ids))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, id := range lo.Uniq(ids) {
			rec, err := loadMessageByID(txn, id)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if rec.RoomID == roomID {
				found[id] = rec.toModel()
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return found, nil
}

// MarkSeen walks the unseen index of the room instead of the whole history,
// flipping messages over as many transactions as badger needs. The counter is
// zeroed once the index is empty. Appends wait on the room lock for the whole
// walk; an interrupted call is finished by the next one.
func (b *Badger) MarkSeen(ctx context.Context, roomID string, recipientRole model.Role) (int, model.ChatRoom, error) {
	if !recipientRole.Valid() {
		return 0, model.ChatRoom{}, chaterr.Validation("recipientType", fmt.Sprintf("unknown role %q", recipientRole))
	}

	unlock := b.locks.Lock(roomID)
	defer unlock()

	if _, err := b.GetRoom(ctx, roomID); err != nil {
		return 0, model.ChatRoom{}, err
	}

	affected := 0
	prefix := unseenScanPrefix(roomID, recipientRole)
	for conflicts := 0; ; {
		if err := ctx.Err(); err != nil {
			return affected, model.ChatRoom{}, err
		}
		flipped, drained, err := b.flipUnseen(prefix)
		if errors.Is(err, badger.ErrConflict) && conflicts < maxConflictRetries {
			conflicts++
			continue
		}
		if err != nil {
			return affected, model.ChatRoom{}, fmt.Errorf("failed to mark messages seen: %w", err)
		}
		affected += flipped
		if drained {
			break
		}
	}

	var room roomRecord
	err := b.update(ctx, func(txn *badger.Txn) error {
		var err error
		room, err = loadRoom(txn, roomID)
		if err != nil {
			return err
		}
		if recipientRole == model.RoleProvider {
			room.ProviderUnread = 0
		} else {
			room.UserUnread = 0
		}
		return setValue(txn, roomKey(room.ID), room)
	})
	if err != nil {
		return affected, model.ChatRoom{}, err
	}
	return affected, room.toModel(), nil
}

// flipUnseen marks indexed messages seen until the index is empty or the
// transaction is full, then commits. drained reports an empty index.
func (b *Badger) flipUnseen(prefix []byte) (flipped int, drained bool, err error) {
	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	type entry struct{ index, msg []byte }
	var batch []entry
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	for it.Seek(prefix); it.ValidForPrefix(prefix) && len(batch) < seenBatchSize; it.Next() {
		msgKey, err := it.Item().ValueCopy(nil)
		if err != nil {
			it.Close()
			return 0, false, err
		}
		batch = append(batch, entry{index: it.Item().KeyCopy(nil), msg: msgKey})
	}
	it.Close()
	if len(batch) == 0 {
		return 0, true, nil
	}

	now := b.now().UTC().UnixNano()
	writes := 0
	for _, e := range batch {
		var rec messageRecord
		err := getValue(txn, e.msg, &rec)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return 0, false, err
		}
		if err == nil && !rec.Seen {
			rec.Seen = true
			rec.UpdatedAt = now
			if err := setValue(txn, e.msg, rec); errors.Is(err, badger.ErrTxnTooBig) {
				break
			} else if err != nil {
				return 0, false, err
			}
			writes++
			flipped++
		}
		if err := txn.Delete(e.index); errors.Is(err, badger.ErrTxnTooBig) {
			break
		} else if err != nil {
			return 0, false, err
		}
		writes++
	}
	if writes == 0 {
		return 0, false, badger.ErrTxnTooBig
	}
	if err := txn.Commit(); err != nil {
		return 0, false, err
	}
	return flipped, false, nil
}
