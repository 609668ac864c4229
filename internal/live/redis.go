package live

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "ajiaco:session:"

// ChannelFor returns the Redis pub/sub channel carrying session's events.
func ChannelFor(session string) string { return channelPrefix + session }

func sessionFromChannel(channel string) (string, bool) {
	session, ok := strings.CutPrefix(channel, channelPrefix)
	return session, ok && session != ""
}

// RedisBridge fans events out across processes. Publish sends to Redis; Run
// feeds every received message into the local hub, including those this
// process published.
type RedisBridge struct {
	client *redis.Client
	hub    *Hub
	log    *zap.Logger
}

// NewRedisClient parses url and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// NewRedisBridge binds client to hub.
func NewRedisBridge(client *redis.Client, hub *Hub, log *zap.Logger) *RedisBridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBridge{client: client, hub: hub, log: log}
}

// Publish implements Publisher. Sequence numbers are assigned by each
// receiving hub.
func (b *RedisBridge) Publish(ctx context.Context, session string, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	ev.Seq = 0
	payload, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("encode live event: %w", err)
	}
	if err := b.client.Publish(ctx, ChannelFor(session), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run relays Redis messages into the hub until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	ps := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer func() { _ = ps.Close() }()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	messages := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			b.relay(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *RedisBridge) relay(ctx context.Context, channel string, payload []byte) {
	session, ok := sessionFromChannel(channel)
	if !ok {
		return
	}
	ev, err := Decode(payload)
	if err != nil {
		b.log.Debug("drop redis live message", zap.String("channel", channel), zap.Error(err))
		return
	}
	if err := b.hub.Publish(ctx, session, ev); err != nil {
		b.log.Warn("relay live event", zap.String("session", session), zap.Error(err))
	}
}
