package signal

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	call:{id}                 hash   record fields (offer/answer as JSON)
//	call:{id}:cand:{dir}      list   candidates in append order (JSON)
//	call.ev.{id}              pubsub record mutations + removal
//	call.ring.{calleeID}      pubsub offer add/cancel, push-filtered by callee
//
// Every key carries a TTL safety net so a crashed peer cannot leak
// records forever; explicit DeleteCall remains the primary GC path.
const (
	keyTTL = 24 * time.Hour
)

// RedisConfig selects the Redis instance backing the signaling store.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	UseTLS   bool   `json:"use_tls"`
}

// RedisStore implements Store on a Redis instance. Record merge-updates
// are a single HSET, so answer+status become visible atomically.
type RedisStore struct {
	rdb *redis.Client

	// ctx outlives individual calls; watch goroutines run on it.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRedisStore connects and pings the instance so a bad address fails
// at startup instead of at the first call attempt.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithCancel(context.Background())
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{rdb: rdb, ctx: ctx, cancel: cancel}, nil
}

func (s *RedisStore) Close() error {
	s.cancel()
	return s.rdb.Close()
}

func callKey(id string) string { return "call:" + id }

func candKeyName(id string, d Direction) string { return "call:" + id + ":cand:" + string(d) }

func evChannel(id string) string { return "call.ev." + id }

func ringChannel(calleeID string) string { return "call.ring." + calleeID }

func ringIndexKey(calleeID string) string { return "ring:" + calleeID }

func candChannel(id string, d Direction) string { return "call.cand." + id + "." + string(d) }

func (s *RedisStore) CreateCall(ctx context.Context, rec *CallRecord) error {
	key := callKey(rec.ID)

	// HSETNX on the id field is the existence check; ids are
	// caller-generated UUIDs so a collision is a caller bug.
	created, err := s.rdb.HSetNX(ctx, key, "id", rec.ID).Result()
	if err != nil {
		return fmt.Errorf("create call %s: %w", rec.ID, err)
	}
	if !created {
		return ErrCallExists
	}

	fields := map[string]any{
		"callerId":     rec.CallerID,
		"calleeId":     rec.CalleeID,
		"callerName":   rec.CallerName,
		"callerAvatar": rec.CallerAvatar,
		"mediaKind":    string(rec.MediaKind),
		"status":       string(rec.Status),
		"createdAt":    strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10),
	}
	if rec.Offer != nil {
		b, _ := json.Marshal(rec.Offer)
		fields["offer"] = string(b)
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("create call %s: %w", rec.ID, err)
	}
	s.rdb.Expire(ctx, key, keyTTL)

	s.publishRecord(ctx, rec.ID)
	if rec.Status == StatusOffering && rec.Offer != nil {
		s.indexRing(ctx, rec.CalleeID, rec.ID)
		s.publish(ctx, ringChannel(rec.CalleeID), ringMsg{CallID: rec.ID, Record: rec})
	}
	return nil
}

// indexRing records a pending offer in the callee's ring set so a watch
// started later can replay it. Best-effort, like all notifications.
func (s *RedisStore) indexRing(ctx context.Context, calleeID, id string) {
	key := ringIndexKey(calleeID)
	if err := s.rdb.SAdd(ctx, key, id).Err(); err != nil {
		log.Printf("SIGNAL [%s]: ring index: %v", id, err)
		return
	}
	s.rdb.Expire(ctx, key, keyTTL)
}

func (s *RedisStore) UpdateCall(ctx context.Context, id string, p Patch) error {
	key := callKey(id)
	prevStatus, err := s.rdb.HGet(ctx, key, "status").Result()
	if err == redis.Nil {
		return ErrCallNotFound
	} else if err != nil {
		return fmt.Errorf("update call %s: %w", id, err)
	}

	fields := make(map[string]any)
	if p.Offer != nil {
		b, _ := json.Marshal(p.Offer)
		fields["offer"] = string(b)
	}
	if p.Answer != nil {
		b, _ := json.Marshal(p.Answer)
		fields["answer"] = string(b)
	}
	if p.Status != nil {
		fields["status"] = string(*p.Status)
	}
	if len(fields) == 0 {
		return nil
	}
	// One HSET carries the whole patch; answer and status land together.
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("update call %s: %w", id, err)
	}

	rec := s.publishRecord(ctx, id)
	if rec != nil {
		wasOffering := Status(prevStatus) == StatusOffering
		switch {
		case p.Offer != nil && rec.Status == StatusOffering:
			// Offer body landed on a record created bare: ring now.
			s.indexRing(ctx, rec.CalleeID, rec.ID)
			s.publish(ctx, ringChannel(rec.CalleeID), ringMsg{CallID: rec.ID, Record: rec})
		case wasOffering && rec.Status != StatusOffering:
			s.rdb.SRem(ctx, ringIndexKey(rec.CalleeID), rec.ID)
			s.publish(ctx, ringChannel(rec.CalleeID), ringMsg{Cancelled: true, CallID: rec.ID})
		}
	}
	return nil
}

func (s *RedisStore) DeleteCall(ctx context.Context, id string) error {
	rec, err := s.GetCall(ctx, id)
	if err == ErrCallNotFound {
		return nil // already gone
	} else if err != nil {
		return err
	}

	keys := []string{
		callKey(id),
		candKeyName(id, OffererCandidates),
		candKeyName(id, AnswererCandidates),
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete call %s: %w", id, err)
	}

	s.publish(ctx, evChannel(id), recordEventMsg{Removed: true})
	if rec.Status == StatusOffering {
		s.rdb.SRem(ctx, ringIndexKey(rec.CalleeID), id)
		s.publish(ctx, ringChannel(rec.CalleeID), ringMsg{Cancelled: true, CallID: id})
	}
	return nil
}

func (s *RedisStore) GetCall(ctx context.Context, id string) (*CallRecord, error) {
	vals, err := s.rdb.HGetAll(ctx, callKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get call %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, ErrCallNotFound
	}
	return recordFromHash(vals), nil
}

func (s *RedisStore) WatchCall(_ context.Context, id string, fn func(RecordEvent)) (Unsubscribe, error) {
	ps := s.rdb.Subscribe(s.ctx, evChannel(id))
	if _, err := ps.Receive(s.ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("watch call %s: %w", id, err)
	}

	go func() {
		for msg := range ps.Channel() {
			var ev recordEventMsg
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("SIGNAL [%s]: bad record event: %v", id, err)
				continue
			}
			fn(RecordEvent{Removed: ev.Removed, Record: ev.Record})
		}
	}()

	return func() { ps.Close() }, nil
}

func (s *RedisStore) AppendCandidate(ctx context.Context, id string, dir Direction, c Candidate) error {
	b, _ := json.Marshal(c)
	key := candKeyName(id, dir)
	length, err := s.rdb.RPush(ctx, key, string(b)).Result()
	if err != nil {
		return fmt.Errorf("append candidate %s/%s: %w", id, dir, err)
	}
	s.rdb.Expire(ctx, key, keyTTL)

	// The live notification carries the list index so subscribers can
	// discard anything they already saw in their replay.
	s.publish(ctx, candChannel(id, dir), candMsg{Index: length - 1, Candidate: c})
	return nil
}

func (s *RedisStore) WatchCandidates(ctx context.Context, id string, dir Direction, fn func(Candidate)) (Unsubscribe, error) {
	// Subscribe before replaying, then dedupe by index. The other order
	// can drop a candidate appended between replay and subscribe.
	ps := s.rdb.Subscribe(s.ctx, candChannel(id, dir))
	if _, err := ps.Receive(s.ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("watch candidates %s/%s: %w", id, dir, err)
	}

	raw, err := s.rdb.LRange(ctx, candKeyName(id, dir), 0, -1).Result()
	if err != nil {
		ps.Close()
		return nil, fmt.Errorf("watch candidates %s/%s: %w", id, dir, err)
	}

	next := int64(0)
	pending := make([]Candidate, 0, len(raw))
	for _, item := range raw {
		var c Candidate
		if err := json.Unmarshal([]byte(item), &c); err != nil {
			log.Printf("SIGNAL [%s]: bad stored candidate: %v", id, err)
			continue
		}
		pending = append(pending, c)
		next++
	}

	go func() {
		for _, c := range pending {
			fn(c)
		}
		for msg := range ps.Channel() {
			var m candMsg
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				log.Printf("SIGNAL [%s]: bad candidate event: %v", id, err)
				continue
			}
			if m.Index < next {
				continue // already delivered via replay
			}
			next = m.Index + 1
			fn(m.Candidate)
		}
	}()

	return func() { ps.Close() }, nil
}

func (s *RedisStore) WatchOffers(ctx context.Context, calleeID string, fn func(OfferEvent)) (Unsubscribe, error) {
	// Subscribe first, then scan the ring index, so an offer created in
	// between shows up in both and is deduped by call id, instead of in
	// neither.
	ps := s.rdb.Subscribe(s.ctx, ringChannel(calleeID))
	if _, err := ps.Receive(s.ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("watch offers for %s: %w", calleeID, err)
	}

	ids, err := s.rdb.SMembers(ctx, ringIndexKey(calleeID)).Result()
	if err != nil {
		ps.Close()
		return nil, fmt.Errorf("watch offers for %s: %w", calleeID, err)
	}
	pending := make([]*CallRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetCall(ctx, id)
		if err == ErrCallNotFound {
			// The record's TTL outran the index entry. Clean up.
			s.rdb.SRem(ctx, ringIndexKey(calleeID), id)
			continue
		} else if err != nil {
			log.Printf("SIGNAL [%s]: offer replay: %v", id, err)
			continue
		}
		if rec.CalleeID == calleeID && rec.Status == StatusOffering && rec.Offer != nil {
			pending = append(pending, rec)
		}
	}

	go func() {
		rang := make(map[string]bool)
		for _, rec := range pending {
			rang[rec.ID] = true
			fn(OfferEvent{CallID: rec.ID, Record: rec})
		}
		for msg := range ps.Channel() {
			var m ringMsg
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				log.Printf("SIGNAL: bad ring event for %s: %v", calleeID, err)
				continue
			}
			if !m.Cancelled {
				if rang[m.CallID] {
					continue // delivered by the replay already
				}
				rang[m.CallID] = true
			}
			fn(OfferEvent{Cancelled: m.Cancelled, CallID: m.CallID, Record: m.Record})
		}
	}()

	return func() { ps.Close() }, nil
}

// Wire messages on the pub/sub channels.

type recordEventMsg struct {
	Removed bool        `json:"removed,omitempty"`
	Record  *CallRecord `json:"record,omitempty"`
}

type ringMsg struct {
	Cancelled bool        `json:"cancelled,omitempty"`
	CallID    string      `json:"callId"`
	Record    *CallRecord `json:"record,omitempty"`
}

type candMsg struct {
	Index     int64     `json:"index"`
	Candidate Candidate `json:"candidate"`
}

// publishRecord reads the record back and broadcasts the mutation.
// Returns the snapshot, or nil when the record vanished underneath us.
func (s *RedisStore) publishRecord(ctx context.Context, id string) *CallRecord {
	rec, err := s.GetCall(ctx, id)
	if err != nil {
		return nil
	}
	s.publish(ctx, evChannel(id), recordEventMsg{Record: rec})
	return rec
}

func (s *RedisStore) publish(ctx context.Context, channel string, v any) {
	b, _ := json.Marshal(v)
	if err := s.rdb.Publish(ctx, channel, string(b)).Err(); err != nil {
		log.Printf("SIGNAL: publish %s failed: %v", channel, err)
	}
}

func recordFromHash(vals map[string]string) *CallRecord {
	rec := &CallRecord{
		ID:           vals["id"],
		CallerID:     vals["callerId"],
		CalleeID:     vals["calleeId"],
		CallerName:   vals["callerName"],
		CallerAvatar: vals["callerAvatar"],
		MediaKind:    MediaKind(vals["mediaKind"]),
		Status:       Status(vals["status"]),
	}
	if ms, err := strconv.ParseInt(vals["createdAt"], 10, 64); err == nil {
		rec.CreatedAt = time.UnixMilli(ms)
	}
	if raw, ok := vals["offer"]; ok {
		var d Description
		if json.Unmarshal([]byte(raw), &d) == nil {
			rec.Offer = &d
		}
	}
	if raw, ok := vals["answer"]; ok {
		var d Description
		if json.Unmarshal([]byte(raw), &d) == nil {
			rec.Answer = &d
		}
	}
	return rec
}
