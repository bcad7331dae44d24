// Package presence is the adapter over the shared TTL key/value store that
// makes reachability visible across process instances. It is soft state: if
// the backing store is unreachable, reads degrade to offline/empty/zero and
// writes are dropped. Nothing here may surface an error into a delivery path.
package presence

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/redis/go-redis/v9"
)

var log = logging.Logger("presence")

// Key namespaces in the shared store.
const (
	keyOnline   = "online:"   // online:<user>   -> "1", short TTL
	keyLastSeen = "lastseen:" // lastseen:<user> -> unix ms, long TTL
	keyTyping   = "typing:"   // typing:<conv>   -> set of user ids, ~10s TTL
	keyUnread   = "unread:"   // unread:<user>   -> hash conv id -> count
	keyCall     = "call:"     // call:<id>       -> call metadata JSON
)

// Options carries the TTLs for each key class. Zero fields take defaults.
type Options struct {
	OnlineTTL   time.Duration
	LastSeenTTL time.Duration
	TypingTTL   time.Duration
	CallTTL     time.Duration
}

type Store struct {
	rdb *redis.Client

	onlineTTL   time.Duration
	lastSeenTTL time.Duration
	typingTTL   time.Duration
	callTTL     time.Duration
}

// New wraps rdb. rdb may be nil, in which case every read reports
// offline/empty/zero and every write is a no-op.
func New(rdb *redis.Client, opts Options) *Store {
	if opts.OnlineTTL <= 0 {
		opts.OnlineTTL = 300 * time.Second
	}
	if opts.LastSeenTTL <= 0 {
		opts.LastSeenTTL = 7 * 24 * time.Hour
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = 10 * time.Second
	}
	if opts.CallTTL <= 0 {
		opts.CallTTL = 2 * time.Hour
	}
	return &Store{
		rdb:         rdb,
		onlineTTL:   opts.OnlineTTL,
		lastSeenTTL: opts.LastSeenTTL,
		typingTTL:   opts.TypingTTL,
		callTTL:     opts.CallTTL,
	}
}

// SetOnline flags userID online and stamps last-seen.
func (s *Store) SetOnline(ctx context.Context, userID string) {
	if s.rdb == nil {
		return
	}
	now := time.Now().UnixMilli()
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, keyOnline+userID, "1", s.onlineTTL)
	pipe.Set(ctx, keyLastSeen+userID, strconv.FormatInt(now, 10), s.lastSeenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Debugw("set online dropped", "user", userID, "err", err)
	}
}

// Refresh extends the online TTL on activity without an extra presence event.
func (s *Store) Refresh(ctx context.Context, userID string) {
	if s.rdb == nil {
		return
	}
	pipe := s.rdb.Pipeline()
	pipe.Expire(ctx, keyOnline+userID, s.onlineTTL)
	pipe.Set(ctx, keyLastSeen+userID, strconv.FormatInt(time.Now().UnixMilli(), 10), s.lastSeenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Debugw("refresh dropped", "user", userID, "err", err)
	}
}

// SetOffline clears the online flag and stamps last-seen.
func (s *Store) SetOffline(ctx context.Context, userID string) {
	if s.rdb == nil {
		return
	}
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, keyOnline+userID)
	pipe.Set(ctx, keyLastSeen+userID, strconv.FormatInt(time.Now().UnixMilli(), 10), s.lastSeenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Debugw("set offline dropped", "user", userID, "err", err)
	}
}

// IsOnline reports whether userID holds an unexpired online flag anywhere.
// Unknown (store unreachable) reads as offline.
func (s *Store) IsOnline(ctx context.Context, userID string) bool {
	if s.rdb == nil {
		return false
	}
	n, err := s.rdb.Exists(ctx, keyOnline+userID).Result()
	if err != nil {
		log.Debugw("online check failed, assuming offline", "user", userID, "err", err)
		return false
	}
	return n > 0
}

// BatchIsOnline resolves many users in a single MGET round trip.
func (s *Store) BatchIsOnline(ctx context.Context, userIDs []string) map[string]bool {
	out := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		out[id] = false
	}
	if s.rdb == nil || len(userIDs) == 0 {
		return out
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = keyOnline + id
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		log.Debugw("batch online check failed, assuming offline", "count", len(userIDs), "err", err)
		return out
	}
	for i, v := range vals {
		out[userIDs[i]] = v != nil
	}
	return out
}

// LastSeen returns when userID was last reachable. Zero time means unknown.
func (s *Store) LastSeen(ctx context.Context, userID string) time.Time {
	m := s.BatchLastSeen(ctx, []string{userID})
	return m[userID]
}

// BatchLastSeen resolves many last-seen stamps in a single MGET round trip.
// Missing or unparseable entries map to the zero time.
func (s *Store) BatchLastSeen(ctx context.Context, userIDs []string) map[string]time.Time {
	out := make(map[string]time.Time, len(userIDs))
	for _, id := range userIDs {
		out[id] = time.Time{}
	}
	if s.rdb == nil || len(userIDs) == 0 {
		return out
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = keyLastSeen + id
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		log.Debugw("batch last-seen failed", "count", len(userIDs), "err", err)
		return out
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			continue
		}
		out[userIDs[i]] = time.UnixMilli(ms)
	}
	return out
}

// SetTyping adds or removes userID from the conversation's typing set. The
// whole set expires after the typing TTL, so indicators from crashed clients
// clear themselves.
func (s *Store) SetTyping(ctx context.Context, conversationID, userID string, typing bool) {
	if s.rdb == nil {
		return
	}
	key := keyTyping + conversationID
	var err error
	if typing {
		pipe := s.rdb.Pipeline()
		pipe.SAdd(ctx, key, userID)
		pipe.Expire(ctx, key, s.typingTTL)
		_, err = pipe.Exec(ctx)
	} else {
		err = s.rdb.SRem(ctx, key, userID).Err()
	}
	if err != nil {
		log.Debugw("typing update dropped", "conversation", conversationID, "user", userID, "err", err)
	}
}

// TypingUserIDs returns who is currently typing in the conversation.
func (s *Store) TypingUserIDs(ctx context.Context, conversationID string) []string {
	if s.rdb == nil {
		return nil
	}
	ids, err := s.rdb.SMembers(ctx, keyTyping+conversationID).Result()
	if err != nil {
		log.Debugw("typing read failed", "conversation", conversationID, "err", err)
		return nil
	}
	return ids
}

// IncrementUnread bumps the recipient's unread counter for a conversation.
func (s *Store) IncrementUnread(ctx context.Context, userID, conversationID string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.HIncrBy(ctx, keyUnread+userID, conversationID, 1).Err(); err != nil {
		log.Debugw("unread increment dropped", "user", userID, "conversation", conversationID, "err", err)
	}
}

// ClearUnread resets one conversation's counter to zero.
func (s *Store) ClearUnread(ctx context.Context, userID, conversationID string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.HDel(ctx, keyUnread+userID, conversationID).Err(); err != nil {
		log.Debugw("unread clear dropped", "user", userID, "conversation", conversationID, "err", err)
	}
}

// ClearAllUnread atomically resets every counter for the user.
func (s *Store) ClearAllUnread(ctx context.Context, userID string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, keyUnread+userID).Err(); err != nil {
		log.Debugw("unread clear-all dropped", "user", userID, "err", err)
	}
}

// UnreadCounts returns per-conversation unread counters. Counters are never
// negative; malformed fields are skipped.
func (s *Store) UnreadCounts(ctx context.Context, userID string) map[string]int64 {
	if s.rdb == nil {
		return map[string]int64{}
	}
	fields, err := s.rdb.HGetAll(ctx, keyUnread+userID).Result()
	if err != nil {
		log.Debugw("unread read failed", "user", userID, "err", err)
		return map[string]int64{}
	}
	out := make(map[string]int64, len(fields))
	for conv, raw := range fields {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			continue
		}
		out[conv] = n
	}
	return out
}

// CallMeta is the call bookkeeping snapshot mirrored into the shared store so
// other instances (and ops tooling) can inspect in-flight calls.
type CallMeta struct {
	CallID         string `json:"call_id"`
	ConversationID string `json:"conversation_id"`
	CallerID       string `json:"caller_id"`
	CalleeID       string `json:"callee_id"`
	Media          string `json:"media"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"created_at"`
}

// SetCallMeta mirrors one call's state. Best effort like everything else here.
func (s *Store) SetCallMeta(ctx context.Context, meta CallMeta) {
	if s.rdb == nil {
		return
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, keyCall+meta.CallID, b, s.callTTL).Err(); err != nil {
		log.Debugw("call meta dropped", "call", meta.CallID, "err", err)
	}
}

// CallMeta fetches a mirrored call snapshot. ok is false when absent or the
// store is unreachable.
func (s *Store) CallMeta(ctx context.Context, callID string) (CallMeta, bool) {
	if s.rdb == nil {
		return CallMeta{}, false
	}
	b, err := s.rdb.Get(ctx, keyCall+callID).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debugw("call meta read failed", "call", callID, "err", err)
		}
		return CallMeta{}, false
	}
	var meta CallMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return CallMeta{}, false
	}
	return meta, true
}
