package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const broadcasterLogPrefix = "gateway:broadcaster"

// Broadcaster delivers a frame to every member of a room, on this instance
// and, depending on the implementation, on its peers.
type Broadcaster interface {
	Broadcast(ctx context.Context, room string, frame []byte) error
	Start(ctx context.Context) error
	Close() error
}

// LocalBroadcaster delivers to local room members only.
type LocalBroadcaster struct {
	rooms *RoomManager
}

// NewLocalBroadcaster creates a broadcaster over rooms.
func NewLocalBroadcaster(rooms *RoomManager) *LocalBroadcaster {
	return &LocalBroadcaster{rooms: rooms}
}

func (b *LocalBroadcaster) Broadcast(_ context.Context, room string, frame []byte) error {
	b.rooms.Broadcast(room, frame)
	return nil
}

func (b *LocalBroadcaster) Start(context.Context) error { return nil }
func (b *LocalBroadcaster) Close() error                { return nil }

// redisPublisher is the slice of *redis.Client the broadcaster publishes with.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// redisEnvelope is what peers exchange over the redis channel.
type redisEnvelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Frame  json.RawMessage `json:"frame"`
}

// RedisBroadcasterOptions configures NewRedisBroadcaster.
type RedisBroadcasterOptions struct {
	// Host is host:port or a redis:// URL.
	Host     string
	Password string
	Channel  string
	// Origin identifies this instance. Envelopes carrying it are not
	// delivered twice.
	Origin string
	Rooms  *RoomManager
}

// RedisBroadcaster delivers locally and relays every frame to peer instances
// through a redis pub/sub channel.
type RedisBroadcaster struct {
	client    *redis.Client
	publisher redisPublisher
	channel   string
	origin    string
	rooms     *RoomManager

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisBroadcaster creates the redis client. It does not connect until Start.
func NewRedisBroadcaster(opts RedisBroadcasterOptions) (*RedisBroadcaster, error) {
	if opts.Rooms == nil {
		return nil, fmt.Errorf("%s - rooms are required", broadcasterLogPrefix)
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("%s - channel is required", broadcasterLogPrefix)
	}
	redisOpts, err := redisOptions(opts.Host, opts.Password)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(redisOpts)
	return &RedisBroadcaster{
		client:    client,
		publisher: client,
		channel:   opts.Channel,
		origin:    opts.Origin,
		rooms:     opts.Rooms,
	}, nil
}

func redisOptions(host, password string) (*redis.Options, error) {
	var opts *redis.Options
	if strings.Contains(host, "://") {
		parsed, err := redis.ParseURL(host)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to parse redis url: %w", broadcasterLogPrefix, err)
		}
		opts = parsed
	} else {
		if host == "" {
			return nil, fmt.Errorf("%s - redis host is required", broadcasterLogPrefix)
		}
		if !strings.Contains(host, ":") {
			host += ":6379"
		}
		opts = &redis.Options{Addr: host}
	}
	if password != "" {
		opts.Password = password
	}
	return opts, nil
}

// Broadcast delivers locally, then publishes to peers. A publish failure is
// returned after local delivery has happened.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, room string, frame []byte) error {
	b.rooms.Broadcast(room, frame)

	data, err := json.Marshal(redisEnvelope{Origin: b.origin, Room: room, Frame: frame})
	if err != nil {
		return fmt.Errorf("%s - failed to encode envelope: %w", broadcasterLogPrefix, err)
	}
	if err := b.publisher.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("%s - failed to publish to %s: %w", broadcasterLogPrefix, b.channel, err)
	}
	return nil
}

// Start subscribes to the channel and relays peer envelopes until ctx ends or
// Close is called.
func (b *RedisBroadcaster) Start(ctx context.Context) error {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", broadcasterLogPrefix, b.channel, err)
	}

	b.mu.Lock()
	b.pubsub = ps
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	zap.S().Infof("%s - relaying rooms over redis channel %s", broadcasterLogPrefix, b.channel)
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ps.Channel():
				if !ok {
					return
				}
				b.deliver([]byte(msg.Payload))
			}
		}
	}()
	return nil
}

// deliver hands a peer envelope to local room members. Own envelopes were
// already delivered by Broadcast.
func (b *RedisBroadcaster) deliver(data []byte) bool {
	var env redisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		zap.S().Warnf("%s - dropping malformed envelope: %v", broadcasterLogPrefix, err)
		return false
	}
	if env.Origin == b.origin || env.Room == "" {
		return false
	}
	b.rooms.Broadcast(env.Room, env.Frame)
	return true
}

// Close unsubscribes and closes the redis client.
func (b *RedisBroadcaster) Close() error {
	b.mu.Lock()
	ps, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()

	if ps != nil {
		_ = ps.Close()
		<-done
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("%s - failed to close redis client: %w", broadcasterLogPrefix, err)
	}
	return nil
}
