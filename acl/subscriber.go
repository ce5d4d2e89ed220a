package acl

import (
	"context"
	"time"

	"github.com/op/go-logging"
	"github.com/redis/go-redis/v9"
)

// Redis keys holding each reloadable table's canonical JSON value. These
// names are fixed by the wire contract with the external store (spec
// §6): only allowed_targets, allowed_sources, and excluded_sources are
// live-reloaded this way. disallowed_targets has no corresponding
// pub/sub key; the subscriber never loads it, so it keeps whatever
// Engine.SetDisallowedTargets last stored (empty after NewEngine).
const (
	KeyAllowedTargets  = "sshuttleAcl"
	KeyAllowedSources  = "sshuttleAclSources"
	KeyExcludedSources = "sshuttleAclExcluded"
)

// Channel is the pub/sub channel name the subscriber listens on.
const Channel = "aclEvents"

// Subscriber runs concurrently with the event loop, blocking on reads
// from Redis. It never touches the event loop's sockets; its only
// interaction with the main context is the atomic table swaps on Engine.
type Subscriber struct {
	client *redis.Client
	engine *Engine
	log    *logging.Logger

	retryBackoff time.Duration
}

// NewSubscriber connects lazily: the *redis.Client is constructed here
// but Run performs the actual dial, retrying forever on failure.
func NewSubscriber(addr string, engine *Engine, log *logging.Logger) *Subscriber {
	return &Subscriber{
		client:       redis.NewClient(&redis.Options{Addr: addr}),
		engine:       engine,
		log:          log,
		retryBackoff: 2 * time.Second,
	}
}

// Run blocks forever, reconnecting on any error. Intended to be launched
// in its own goroutine; it never returns except when ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := s.runOnce(ctx); err != nil {
			s.log.Error("acl subscriber: " + err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryBackoff):
			}
		}
	}
}

func (s *Subscriber) runOnce(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return err
	}

	// Startup performs a full reload of all three tables before serving
	// the first published event.
	s.reloadKey(ctx, KeyAllowedTargets)
	s.reloadKey(ctx, KeyAllowedSources)
	s.reloadKey(ctx, KeyExcludedSources)

	pubsub := s.client.Subscribe(ctx, Channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleMessage(ctx, msg.Payload)
		}
	}
}

// handleMessage maps a published body to the table key it names and
// reloads just that table.
func (s *Subscriber) handleMessage(ctx context.Context, body string) {
	switch body {
	case KeyAllowedTargets, KeyAllowedSources, KeyExcludedSources:
		s.reloadKey(ctx, body)
	default:
		s.log.Warning("acl subscriber: unknown event payload " + body)
	}
}

func (s *Subscriber) reloadKey(ctx context.Context, key string) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.log.Error("acl subscriber: fetching " + key + ": " + err.Error())
		}
		return
	}

	switch key {
	case KeyAllowedTargets:
		raw, err := DecodeTargetJSON(data)
		if err != nil {
			s.log.Error("acl subscriber: parsing " + key + ": " + err.Error())
			return
		}
		tt, warnings := ParseTargetTable(raw)
		for _, w := range warnings {
			s.log.Warning("acl subscriber: " + w)
		}
		s.engine.SetAllowedTargets(tt)
	case KeyAllowedSources:
		raw, err := DecodeLeaseJSON(data)
		if err != nil {
			s.log.Error("acl subscriber: parsing " + key + ": " + err.Error())
			return
		}
		s.engine.SetAllowedSources(ParseLeaseTable(raw))
	case KeyExcludedSources:
		raw, err := DecodeLeaseJSON(data)
		if err != nil {
			s.log.Error("acl subscriber: parsing " + key + ": " + err.Error())
			return
		}
		s.engine.SetExcludedSources(ParseLeaseTable(raw))
	}
}
