package delivery

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Journal keeps a side record of per-recipient outcomes. It is advisory:
// the relational store stays authoritative.
type Journal interface {
	Record(ctx context.Context, messageID uuid.UUID, res Result, at time.Time)
}

type NopJournal struct{}

func (NopJournal) Record(context.Context, uuid.UUID, Result, time.Time) {}

const DefaultJournalTTL = 7 * 24 * time.Hour

func JournalKey(messageID uuid.UUID) string { return "mibs:delivery:" + messageID.String() }

// RedisJournal stores outcomes in a hash per message, one field per recipient.
type RedisJournal struct {
	rdb redis.Cmdable
	ttl time.Duration
	log *zap.Logger
}

func NewRedisJournal(rdb redis.Cmdable, ttl time.Duration, log *zap.Logger) *RedisJournal {
	if ttl <= 0 {
		ttl = DefaultJournalTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisJournal{rdb: rdb, ttl: ttl, log: log}
}

func (j *RedisJournal) Record(ctx context.Context, messageID uuid.UUID, res Result, at time.Time) {
	key := JournalKey(messageID)
	pipe := j.rdb.TxPipeline()
	pipe.HSet(ctx, key, res.RecipientID.String(), res.Outcome.String()+"|"+at.UTC().Format(time.RFC3339))
	pipe.Expire(ctx, key, j.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		j.log.Warn("journal write failed",
			zap.String("message_id", messageID.String()),
			zap.String("recipient_id", res.RecipientID.String()),
			zap.Error(err))
	}
}

// JournalEntry is one decoded journal field.
type JournalEntry struct {
	Outcome string    `json:"outcome"`
	At      time.Time `json:"at"`
}

// Entries returns the journal for a message keyed by recipient id.
func (j *RedisJournal) Entries(ctx context.Context, messageID uuid.UUID) (map[string]JournalEntry, error) {
	raw, err := j.rdb.HGetAll(ctx, JournalKey(messageID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]JournalEntry, len(raw))
	for rid, v := range raw {
		outcome, ts, _ := strings.Cut(v, "|")
		at, _ := time.Parse(time.RFC3339, ts)
		out[rid] = JournalEntry{Outcome: outcome, At: at}
	}
	return out, nil
}
