package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/apdwatch/apdwatch/internal/core"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Key layout, all under the configured prefix:
//
//	<p>:action:<id>           record JSON
//	<p>:timeline              every record id, scored by creation time (ms)
//	<p>:timeline:<alert id>   record ids of one alert
//	<p>:auto:<alert id>       id of the alert's automatic escalation
//	<p>:actions               pub/sub channel of stored records

// RedisTimeline is a TimelineStore backed by Redis sorted sets.
type RedisTimeline struct {
	client redis.UniversalClient
	prefix string
	logger zerolog.Logger
}

// NewRedisTimeline wraps an existing client.
func NewRedisTimeline(logger zerolog.Logger, client redis.UniversalClient, prefix string) *RedisTimeline {
	if prefix == "" {
		prefix = "apdwatch"
	}
	return &RedisTimeline{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "redis_timeline").Logger(),
	}
}

// OpenRedisTimeline connects using timeline settings and checks the server
// is reachable.
func OpenRedisTimeline(ctx context.Context, logger zerolog.Logger, cfg core.TimelineConfig) (*RedisTimeline, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}
	return NewRedisTimeline(logger, client, cfg.RedisPrefix), nil
}

func (s *RedisTimeline) actionKey(id string) string     { return s.prefix + ":action:" + id }
func (s *RedisTimeline) timelineKey() string            { return s.prefix + ":timeline" }
func (s *RedisTimeline) alertKey(alertID string) string { return s.prefix + ":timeline:" + alertID }
func (s *RedisTimeline) autoKey(alertID string) string  { return s.prefix + ":auto:" + alertID }

// channel is the pub/sub channel stored records are announced on.
func (s *RedisTimeline) channel() string { return s.prefix + ":actions" }

// Append stores rec. The record JSON is written before the auto-escalation
// guard is claimed, so a losing writer can always read the winner's record.
func (s *RedisTimeline) Append(ctx context.Context, rec core.ActionRecord) (core.ActionRecord, error) {
	if err := rec.Validate(); err != nil {
		return core.ActionRecord{}, err
	}
	rec = core.StampRecord(rec)
	data, err := json.Marshal(rec)
	if err != nil {
		return core.ActionRecord{}, fmt.Errorf("encoding action: %w", err)
	}

	if err := s.client.Set(ctx, s.actionKey(rec.ID), data, 0).Err(); err != nil {
		return core.ActionRecord{}, fmt.Errorf("writing action: %w", err)
	}

	if rec.IsAutoEscalation() {
		won, err := s.client.SetNX(ctx, s.autoKey(rec.AlertID), rec.ID, 0).Result()
		if err != nil {
			return core.ActionRecord{}, fmt.Errorf("claiming auto-escalation: %w", err)
		}
		if !won {
			s.client.Del(ctx, s.actionKey(rec.ID))
			return s.existingAuto(ctx, rec.AlertID)
		}
	}

	score := float64(rec.CreatedAt.UnixMilli())
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.timelineKey(), redis.Z{Score: score, Member: rec.ID})
	pipe.ZAdd(ctx, s.alertKey(rec.AlertID), redis.Z{Score: score, Member: rec.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return core.ActionRecord{}, fmt.Errorf("indexing action: %w", err)
	}

	if err := s.client.Publish(ctx, s.channel(), data).Err(); err != nil {
		s.logger.Warn().Err(err).Str("alert_id", rec.AlertID).Msg("failed to announce action")
	}
	return rec, nil
}

func (s *RedisTimeline) existingAuto(ctx context.Context, alertID string) (core.ActionRecord, error) {
	id, err := s.client.Get(ctx, s.autoKey(alertID)).Result()
	if err != nil {
		return core.ActionRecord{}, fmt.Errorf("reading auto-escalation guard: %w", err)
	}
	recs, err := s.load(ctx, []string{id})
	if err != nil {
		return core.ActionRecord{}, err
	}
	if len(recs) == 0 {
		return core.ActionRecord{}, fmt.Errorf("auto-escalation %s for %s has no record", id, alertID)
	}
	s.logger.Debug().Str("alert_id", alertID).Msg("auto-escalation already recorded")
	return recs[0], nil
}

func (s *RedisTimeline) ListByAlert(ctx context.Context, alertID string) ([]core.ActionRecord, error) {
	ids, err := s.client.ZRange(ctx, s.alertKey(alertID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing actions for %s: %w", alertID, err)
	}
	return s.load(ctx, ids)
}

func (s *RedisTimeline) List(ctx context.Context) ([]core.ActionRecord, error) {
	ids, err := s.client.ZRange(ctx, s.timelineKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	return s.load(ctx, ids)
}

// Follow hands every record stored by any process sharing this Redis to fn
// until ctx is cancelled.
func (s *RedisTimeline) Follow(ctx context.Context, fn func(core.ActionRecord)) error {
	sub := s.client.Subscribe(ctx, s.channel())
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.channel(), err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var rec core.ActionRecord
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				s.logger.Warn().Err(err).Msg("skipping undecodable announced action")
				continue
			}
			fn(rec)
		}
	}
}

// Close releases the client.
func (s *RedisTimeline) Close() error {
	return s.client.Close()
}

func (s *RedisTimeline) load(ctx context.Context, ids []string) ([]core.ActionRecord, error) {
	out := make([]core.ActionRecord, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.actionKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("loading actions: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			s.logger.Warn().Str("id", ids[i]).Msg("indexed action has no record")
			continue
		}
		var rec core.ActionRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			s.logger.Warn().Err(err).Str("id", ids[i]).Msg("skipping undecodable action")
			continue
		}
		out = append(out, rec)
	}
	core.SortRecords(out)
	return out, nil
}
