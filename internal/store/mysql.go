package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"staychat/internal/chaterr"
	"staychat/internal/model"
)

const roomColumns = `id, user_id, provider_id, last_message, last_message_at,
	user_unread_count, provider_unread_count, created_at, updated_at`

const messageColumns = `id, room_id, sender_id, sender_role, content, image,
	reply_to, seen, created_at, updated_at`

// MySQL is the MariaDB/MySQL backed store. Room rows are locked with
// SELECT ... FOR UPDATE for the duration of every write that touches a
// room's counters.
type MySQL struct {
	db  *sql.DB
	now func() time.Time
}

func NewMySQL(db *sql.DB) *MySQL {
	return &MySQL{db: db, now: time.Now}
}

func (m *MySQL) Close() error { return m.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner) (model.ChatRoom, error) {
	var (
		r      model.ChatRoom
		id     int64
		last   sql.NullString
		lastAt sql.NullTime
	)
	if err := row.Scan(&id, &r.UserID, &r.ProviderID, &last, &lastAt,
		&r.UserUnreadCount, &r.ProviderUnreadCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return model.ChatRoom{}, err
	}
	r.ID = strconv.FormatInt(id, 10)
	if last.Valid {
		r.LastMessage = lo.ToPtr(last.String)
	}
	if lastAt.Valid {
		r.LastMessageAt = lo.ToPtr(lastAt.Time.UTC())
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func scanMessage(row scanner) (model.Message, error) {
	var (
		msg     model.Message
		id      int64
		roomID  int64
		role    string
		content sql.NullString
		image   sql.NullString
		replyTo sql.NullInt64
	)
	if err := row.Scan(&id, &roomID, &msg.SenderID, &role, &content, &image,
		&replyTo, &msg.Seen, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
		return model.Message{}, err
	}
	msg.ID = strconv.FormatInt(id, 10)
	msg.RoomID = strconv.FormatInt(roomID, 10)
	msg.SenderRole = model.Role(role)
	if content.Valid {
		msg.Content = lo.ToPtr(content.String)
	}
	if image.Valid {
		msg.Image = lo.ToPtr(image.String)
	}
	if replyTo.Valid {
		msg.ReplyTo = model.Unresolved(strconv.FormatInt(replyTo.Int64, 10))
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.UpdatedAt = msg.UpdatedAt.UTC()
	return msg, nil
}

// parseID turns a public id into a row id. Ids that cannot exist are reported
// as not found rather than as validation errors.
func parseID(kind, id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, chaterr.NotFound(kind, id)
	}
	return n, nil
}

func unreadColumn(role model.Role) string {
	if role == model.RoleProvider {
		return "provider_unread_count"
	}
	return "user_unread_count"
}

func sortColumn(f SortField) string {
	if f == SortUpdatedAt {
		return "updated_at"
	}
	return "created_at"
}

// timestamp truncates to the DATETIME(6) precision so returned values match
// what a later read yields.
func (m *MySQL) timestamp() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

func (m *MySQL) GetOrCreateRoom(ctx context.Context, userID, providerID string) (model.ChatRoom, bool, error) {
	// 既存の部屋はINSERTせずに返す（AUTO_INCREMENTを消費しない）
	room, err := scanRoom(m.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM chat_rooms WHERE user_id = ? AND provider_id = ?`,
		userID, providerID))
	if err == nil {
		return room, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.ChatRoom{}, false, fmt.Errorf("failed to look up room: %w", err)
	}

	now := m.timestamp()
	// LAST_INSERT_ID(id) makes the existing row's id available when a
	// concurrent caller created the pair first; the unique key is the arbiter.
	result, err := m.db.ExecContext(ctx,
		`INSERT INTO chat_rooms (user_id, provider_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)`,
		userID, providerID, now, now)
	if err != nil {
		return model.ChatRoom{}, false, fmt.Errorf("failed to upsert room: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return model.ChatRoom{}, false, fmt.Errorf("failed to retrieve room id: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return model.ChatRoom{}, false, fmt.Errorf("failed to retrieve rows affected: %w", err)
	}
	room, err = m.GetRoom(ctx, strconv.FormatInt(id, 10))
	if err != nil {
		return model.ChatRoom{}, false, err
	}
	return room, affected == 1, nil
}

func (m *MySQL) GetRoom(ctx context.Context, roomID string) (model.ChatRoom, error) {
	id, err := parseID("room", roomID)
	if err != nil {
		return model.ChatRoom{}, err
	}
	room, err := scanRoom(m.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM chat_rooms WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ChatRoom{}, chaterr.NotFound("room", roomID)
	}
	if err != nil {
		return model.ChatRoom{}, fmt.Errorf("failed to load room: %w", err)
	}
	return room, nil
}

func (m *MySQL) ListRooms(ctx context.Context, identityID string, role model.Role) ([]model.ChatRoom, error) {
	column := "user_id"
	if role == model.RoleProvider {
		column = "provider_id"
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+roomColumns+` FROM chat_rooms WHERE `+column+` = ?
		ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC`, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	rooms := []model.ChatRoom{}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// lockRoom loads the room row and holds its lock until tx ends.
func lockRoom(ctx context.Context, tx *sql.Tx, roomID string) (model.ChatRoom, int64, error) {
	id, err := parseID("room", roomID)
	if err != nil {
		return model.ChatRoom{}, 0, err
	}
	room, err := scanRoom(tx.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM chat_rooms WHERE id = ? FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ChatRoom{}, 0, chaterr.NotFound("room", roomID)
	}
	if err != nil {
		return model.ChatRoom{}, 0, fmt.Errorf("failed to lock room: %w", err)
	}
	return room, id, nil
}

func (m *MySQL) AppendMessage(ctx context.Context, msg model.NewMessage) (model.Message, model.ChatRoom, error) {
	if err := validateNew(msg); err != nil {
		return model.Message{}, model.ChatRoom{}, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Message{}, model.ChatRoom{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	room, roomRowID, err := lockRoom(ctx, tx, msg.RoomID)
	if err != nil {
		return model.Message{}, model.ChatRoom{}, err
	}

	var replyTo sql.NullInt64
	if msg.ReplyTo != nil {
		targetID, err := parseID("message", *msg.ReplyTo)
		if err != nil {
			return model.Message{}, model.ChatRoom{}, err
		}
		var targetRoom int64
		err = tx.QueryRowContext(ctx,
			`SELECT room_id FROM chat_messages WHERE id = ?`, targetID).Scan(&targetRoom)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && targetRoom != roomRowID) {
			return model.Message{}, model.ChatRoom{}, chaterr.NotFound("message", *msg.ReplyTo)
		}
		if err != nil {
			return model.Message{}, model.ChatRoom{}, fmt.Errorf("failed to load reply target: %w", err)
		}
		replyTo = sql.NullInt64{Int64: targetID, Valid: true}
	}

	now := m.timestamp()
	if room.LastMessageAt != nil && now.Before(*room.LastMessageAt) {
		now = *room.LastMessageAt
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (room_id, sender_id, sender_role, content, image, reply_to, seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		roomRowID, msg.SenderID, string(msg.SenderRole), msg.Content, msg.Image, replyTo, now, now)
	if err != nil {
		return model.Message{}, model.ChatRoom{}, fmt.Errorf("failed to insert message: %w", err)
	}
	lastInsertID, err := result.LastInsertId()
	if err != nil {
		return model.Message{}, model.ChatRoom{}, fmt.Errorf("failed to retrieve message id: %w", err)
	}

	created := model.Message{
		ID:         strconv.FormatInt(lastInsertID, 10),
		RoomID:     room.ID,
		SenderID:   msg.SenderID,
		SenderRole: msg.SenderRole,
		Content:    msg.Content,
		Image:      msg.Image,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if msg.ReplyTo != nil {
		created.ReplyTo = model.Unresolved(*msg.ReplyTo)
	}

	counter := unreadColumn(msg.SenderRole.Opposite())
	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_rooms SET last_message = ?, last_message_at = ?, updated_at = ?, `+
			counter+` = `+counter+` + 1 WHERE id = ?`,
		created.Preview(), now, now, roomRowID); err != nil {
		return model.Message{}, model.ChatRoom{}, fmt.Errorf("failed to record message on room: %w", err)
	}

	room, _, err = lockRoom(ctx, tx, msg.RoomID)
	if err != nil {
		return model.Message{}, model.ChatRoom{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Message{}, model.ChatRoom{}, fmt.Errorf("failed to commit message: %w", err)
	}
	return created, room, nil
}

func (m *MySQL) ListMessages(ctx context.Context, roomID string, page Page) ([]model.Message, int, error) {
	page, err := page.Normalize()
	if err != nil {
		return nil, 0, err
	}
	id, err := parseID("room", roomID)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE room_id = ?`, id).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	order := "ASC"
	if page.SortOrder == Desc {
		order = "DESC"
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE room_id = ?
		ORDER BY `+sortColumn(page.SortBy)+` `+order+`, id `+order+`
		LIMIT ? OFFSET ?`, id, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []model.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, total, rows.Err()
}

func (m *MySQL) GetMessages(ctx context.Context, roomID string, ids []string) (map[string]model.Message, error) {
	found := make(map[string]model.Message, len(ids))
	roomRowID, err := parseID("room", roomID)
	if err != nil {
		return found, err
	}
	args := []any{roomRowID}
	for _, id := range lo.Uniq(ids) {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			args = append(args, n)
		}
	}
	if len(args) == 1 {
		return found, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)-1), ",")
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE room_id = ? AND id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		found[msg.ID] = msg
	}
	return found, rows.Err()
}

func (m *MySQL) MarkSeen(ctx context.Context, roomID string, recipientRole model.Role) (int, model.ChatRoom, error) {
	if !recipientRole.Valid() {
		return 0, model.ChatRoom{}, chaterr.Validation("recipientType", fmt.Sprintf("unknown role %q", recipientRole))
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, model.ChatRoom{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, roomRowID, err := lockRoom(ctx, tx, roomID)
	if err != nil {
		return 0, model.ChatRoom{}, err
	}

	now := m.timestamp()
	// Messages addressed to the recipient are the ones its counterpart sent.
	result, err := tx.ExecContext(ctx,
		`UPDATE chat_messages SET seen = 1, updated_at = ?
		WHERE room_id = ? AND sender_role = ? AND seen = 0`,
		now, roomRowID, string(recipientRole.Opposite()))
	if err != nil {
		return 0, model.ChatRoom{}, fmt.Errorf("failed to mark messages seen: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, model.ChatRoom{}, fmt.Errorf("failed to retrieve rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_rooms SET `+unreadColumn(recipientRole)+` = 0 WHERE id = ?`, roomRowID); err != nil {
		return 0, model.ChatRoom{}, fmt.Errorf("failed to reset unread counter: %w", err)
	}

	room, _, err := lockRoom(ctx, tx, roomID)
	if err != nil {
		return 0, model.ChatRoom{}, err
	}
	if err := tx.Commit(); err != nil {
		return 0, model.ChatRoom{}, fmt.Errorf("failed to commit seen mark: %w", err)
	}
	return int(affected), room, nil
}
