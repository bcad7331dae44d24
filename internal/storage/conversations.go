package storage

import (
	"context"
	"fmt"
	"time"
)

// EnsureConversation records a conversation between two matched users. The
// match service owns conversation creation; this is idempotent so replays
// are harmless.
func (d *DB) EnsureConversation(ctx context.Context, id, userA, userB string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, user_a, user_b, created_at)
		VALUES (?, ?, ?, ?)`,
		id, userA, userB, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

// ValidateConversationMembership reports whether the user is one of the two
// parties in the conversation.
func (d *DB) ValidateConversationMembership(ctx context.Context, conversationID, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversations
		WHERE id = ? AND (user_a = ? OR user_b = ?)`,
		conversationID, userID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("membership query: %w", err)
	}
	return n > 0, nil
}

// MatchedUserIDs returns every user who shares a conversation with the given
// user. Feeds the presence fan-out: these are the people whose match list
// shows this user's online dot.
func (d *DB) MatchedUserIDs(ctx context.Context, userID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT CASE WHEN user_a = ? THEN user_b ELSE user_a END
		FROM conversations
		WHERE user_a = ? OR user_b = ?`,
		userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("matches query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ConversationPeer resolves the other party of a conversation for a given
// member, or false if the conversation is unknown or the user is not in it.
func (d *DB) ConversationPeer(ctx context.Context, conversationID, userID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var peer string
	err := d.db.QueryRowContext(ctx, `
		SELECT CASE WHEN user_a = ? THEN user_b ELSE user_a END
		FROM conversations
		WHERE id = ? AND (user_a = ? OR user_b = ?)`,
		userID, conversationID, userID, userID).Scan(&peer)
	if err != nil {
		return "", false
	}
	return peer, true
}
