// Package redisbox keeps the call mailbox in redis so peers on different
// hosts can share it without running the mailbox server.
//
// Each call uses a hash for the session record, a list of candidate records,
// a set of (author, payload) keys for deduplication and a pub/sub channel
// that announces every change.
package redisbox

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/1ureka/duet/internal/mailbox"
	"github.com/1ureka/duet/internal/util"
)

const (
	eventSession   = "session"
	eventCandidate = "candidate"
	eventDelete    = "delete"
)

// Options configures the redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key. Defaults to "duet".
	Prefix string
}

// Store is a mailbox.Store over redis.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// Compile-time interface checks.
var (
	_ mailbox.Store  = (*Store)(nil)
	_ mailbox.Lister = (*Store)(nil)
)

// addCandidate inserts a record unless its dedup key is already present, and
// announces the insert, in one round trip.
var addCandidate = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
redis.call('PUBLISH', KEYS[3], ARGV[3])
return 1
`)

// New connects to redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Prefix == "" {
		opts.Prefix = "duet"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "connect redis %v", opts.Addr)
	}
	return &Store{rdb: rdb, prefix: opts.Prefix}, nil
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) sessionKey(callID string) string   { return s.prefix + ":call:" + callID }
func (s *Store) candidatesKey(callID string) string { return s.prefix + ":call:" + callID + ":candidates" }
func (s *Store) dedupKey(callID string) string      { return s.prefix + ":call:" + callID + ":seen" }
func (s *Store) channel(callID string) string       { return s.prefix + ":call:" + callID + ":events" }

func candidateIdentity(fromUser, candidate string) string {
	return fromUser + "\x00" + candidate
}

// ---------------------------------------------------------------------------
// Call record
// ---------------------------------------------------------------------------

func (s *Store) Get(ctx context.Context, callID string) (*mailbox.CallSession, error) {
	fields, err := s.rdb.HGetAll(ctx, s.sessionKey(callID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get call %s", callID)
	}
	if len(fields) == 0 {
		return nil, mailbox.ErrNotFound
	}
	return decodeSession(callID, fields), nil
}

func decodeSession(callID string, fields map[string]string) *mailbox.CallSession {
	session := &mailbox.CallSession{CallID: callID}
	if t, ok := fields["offer_type"]; ok {
		session.Offer = &mailbox.Description{Type: t, SDP: fields["offer_sdp"]}
		session.OfferCreatedAt = parseNanos(fields["offer_at"])
		session.OfferGeneration, _ = strconv.Atoi(fields["offer_gen"])
	}
	if t, ok := fields["answer_type"]; ok {
		session.Answer = &mailbox.Description{Type: t, SDP: fields["answer_sdp"]}
		session.AnswerCreatedAt = parseNanos(fields["answer_at"])
		session.AnswerGeneration, _ = strconv.Atoi(fields["answer_gen"])
	}
	return session
}

func parseNanos(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *Store) SetOffer(ctx context.Context, callID string, d mailbox.Description, generation int) error {
	return s.setDescription(ctx, callID, "offer", d, generation)
}

func (s *Store) SetAnswer(ctx context.Context, callID string, d mailbox.Description, generation int) error {
	return s.setDescription(ctx, callID, "answer", d, generation)
}

func (s *Store) setDescription(ctx context.Context, callID, field string, d mailbox.Description, generation int) error {
	now := time.Now().UnixNano()
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.sessionKey(callID), map[string]interface{}{
			field + "_type": d.Type,
			field + "_sdp":  d.SDP,
			field + "_at":   now,
			field + "_gen":  generation,
			"updated_at":    now,
		})
		pipe.Publish(ctx, s.channel(callID), eventSession)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "set %s for %s", field, callID)
	}
	return nil
}

// Watch subscribes before reading the snapshot so no change between the two
// can be missed. Re-reads that find the same update stamp are not delivered.
func (s *Store) Watch(ctx context.Context, callID string) (<-chan *mailbox.CallSession, func(), error) {
	pubsub, err := s.subscribe(ctx, callID)
	if err != nil {
		return nil, nil, err
	}

	feed := mailbox.NewFeed[*mailbox.CallSession]()
	var last string
	refresh := func() {
		fields, err := s.rdb.HGetAll(ctx, s.sessionKey(callID)).Result()
		if err != nil {
			if ctx.Err() == nil {
				util.LogDebug("redis mailbox: get %s: %v", callID, err)
			}
			return
		}
		if len(fields) == 0 {
			last = ""
			return
		}
		if stamp := fields["updated_at"]; stamp != last {
			last = stamp
			feed.Push(decodeSession(callID, fields))
		}
	}

	refresh()
	go s.pump(ctx, pubsub, feed.Done(), feed.Close, func(event string) {
		if event == eventSession {
			refresh()
		}
	})
	return feed.C(), feed.Close, nil
}

// ---------------------------------------------------------------------------
// Candidates
// ---------------------------------------------------------------------------

func (s *Store) AddCandidate(ctx context.Context, callID string, rec mailbox.CandidateRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Timestamp = time.Now()
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode candidate record")
	}

	keys := []string{s.dedupKey(callID), s.candidatesKey(callID), s.channel(callID)}
	added, err := addCandidate.Run(ctx, s.rdb, keys,
		candidateIdentity(rec.FromUser, rec.Candidate), payload, eventCandidate).Int()
	if err != nil {
		return errors.Wrapf(err, "add candidate to %s", callID)
	}
	if added == 0 {
		return mailbox.ErrAlreadyExists
	}
	return nil
}

func (s *Store) HasCandidate(ctx context.Context, callID, fromUser, candidate string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, s.dedupKey(callID), candidateIdentity(fromUser, candidate)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "query candidates of %s", callID)
	}
	return ok, nil
}

func (s *Store) ListCandidates(ctx context.Context, callID string) ([]mailbox.CandidateRecord, error) {
	return s.candidatesFrom(ctx, callID, 0)
}

func (s *Store) candidatesFrom(ctx context.Context, callID string, start int64) ([]mailbox.CandidateRecord, error) {
	raw, err := s.rdb.LRange(ctx, s.candidatesKey(callID), start, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "list candidates of %s", callID)
	}
	out := make([]mailbox.CandidateRecord, 0, len(raw))
	for _, item := range raw {
		var rec mailbox.CandidateRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			util.LogWarning("redis mailbox: skipping malformed candidate in %s: %v", callID, err)
			rec = mailbox.CandidateRecord{}
		}
		// Malformed entries still occupy an index.
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) WatchCandidates(ctx context.Context, callID string) (<-chan mailbox.CandidateRecord, func(), error) {
	pubsub, err := s.subscribe(ctx, callID)
	if err != nil {
		return nil, nil, err
	}

	feed := mailbox.NewFeed[mailbox.CandidateRecord]()
	var next int64
	refresh := func() {
		recs, err := s.candidatesFrom(ctx, callID, next)
		if err != nil {
			if ctx.Err() == nil {
				util.LogDebug("redis mailbox: %v", err)
			}
			return
		}
		next += int64(len(recs))
		for _, rec := range recs {
			if rec.ID != "" {
				feed.Push(rec)
			}
		}
	}

	refresh()
	go s.pump(ctx, pubsub, feed.Done(), feed.Close, func(event string) {
		switch event {
		case eventCandidate:
			refresh()
		case eventDelete:
			next = 0
		}
	})
	return feed.C(), feed.Close, nil
}

func (s *Store) Delete(ctx context.Context, callID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(callID), s.candidatesKey(callID), s.dedupKey(callID))
		pipe.Publish(ctx, s.channel(callID), eventDelete)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "delete call %s", callID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Pub/sub
// ---------------------------------------------------------------------------

// subscribe returns once redis has confirmed the subscription.
func (s *Store) subscribe(ctx context.Context, callID string) (*redis.PubSub, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pubsub := s.rdb.Subscribe(ctx, s.channel(callID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Wrapf(err, "subscribe %s", callID)
	}
	return pubsub, nil
}

// pump hands every announcement to handle until the watch ends.
func (s *Store) pump(ctx context.Context, pubsub *redis.PubSub, done <-chan struct{}, stop func(), handle func(event string)) {
	defer stop()
	defer pubsub.Close()

	messages := pubsub.Channel()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			handle(msg.Payload)
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}
