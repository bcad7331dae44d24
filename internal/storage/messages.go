package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/velora-app/realtime/internal/wire"
)

// CreateMessage persists one message and returns its assigned id and
// timestamp. The write is the commit point of a send: everything after it
// is best-effort delivery.
func (d *DB) CreateMessage(ctx context.Context, conversationID, senderID string, payload wire.MessagePayload) (string, time.Time, error) {
	id := uuid.NewString()
	sentAt := time.Now().UTC().Truncate(time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, kind, body, media_url, gift_id, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, conversationID, senderID, string(payload.Kind),
		payload.Body, payload.MediaURL, payload.GiftID, sentAt.UnixMilli())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("insert message: %w", err)
	}
	return id, sentAt, nil
}

// MarkMessagesRead stamps read_at on the given messages and returns how many
// rows changed. The update is scoped to one conversation, a reader cannot
// mark their own messages, and already-read messages are left untouched, so
// replayed receipts are idempotent.
func (d *DB) MarkMessagesRead(ctx context.Context, conversationID string, messageIDs []string, readerID string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?, ", len(messageIDs)-1) + "?"
	args := make([]any, 0, len(messageIDs)+3)
	args = append(args, time.Now().UnixMilli())
	for _, id := range messageIDs {
		args = append(args, id)
	}
	args = append(args, conversationID, readerID)

	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE messages SET read_at = ?
		WHERE id IN (%s) AND conversation_id = ? AND sender_id != ? AND read_at IS NULL`, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecentMessages returns the newest messages of a conversation, oldest
// first. Clients use this to resync after reconnecting.
func (d *DB) RecentMessages(ctx context.Context, conversationID string, limit int) ([]wire.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, sender_id, kind, body, media_url, gift_id, sent_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at DESC, rowid DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages query: %w", err)
	}
	defer rows.Close()

	var msgs []wire.Message
	for rows.Next() {
		var m wire.Message
		var kind string
		var sentAt int64
		if err := rows.Scan(&m.ID, &m.SenderID, &kind, &m.Body, &m.MediaURL, &m.GiftID, &sentAt); err != nil {
			return nil, err
		}
		m.ConversationID = conversationID
		m.Kind = wire.Kind(kind)
		m.SentAt = time.UnixMilli(sentAt).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the index; flip to chronological for the client.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// UnreadCountsFromStore recomputes per-conversation unread totals for a user
// straight from the messages table. Used to rebuild the ephemeral counters
// when they are lost.
func (d *DB) UnreadCountsFromStore(ctx context.Context, userID string) (map[string]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT m.conversation_id, COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.user_a = ? OR c.user_b = ?)
		  AND m.sender_id != ?
		  AND m.read_at IS NULL
		GROUP BY m.conversation_id`,
		userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("unread recount query: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var conv string
		var n int64
		if err := rows.Scan(&conv, &n); err != nil {
			return nil, err
		}
		counts[conv] = n
	}
	return counts, rows.Err()
}
