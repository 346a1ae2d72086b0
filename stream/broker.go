package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrStreamNotFound is returned when subscribing to a stream with no
	// recorded buffer and no live producer.
	ErrStreamNotFound = errors.New("stream: not found")

	// ErrBrokerUnavailable wraps Redis transport failures on the durable
	// buffer path.
	ErrBrokerUnavailable = errors.New("stream: broker unavailable")
)

const (
	defaultRecordPrefix = "stream:record:"
	defaultNotifyPrefix = "stream:notify:"
	defaultBufferTTL    = 10 * time.Minute
)

// BrokerConfig configures the event broker. A nil Redis client disables the
// durable buffer; the broker then fans out in process only.
type BrokerConfig struct {
	Redis        redis.UniversalClient
	RecordPrefix string
	NotifyPrefix string
	TTL          time.Duration
	Log          zerolog.Logger
}

// Broker routes stream events from one producer to any number of consumers.
// With Redis configured, every event is appended to a capped-lifetime list
// and a notify channel wakes followers, so consumers can attach at any point
// during or shortly after generation and replay the full log in order.
type Broker struct {
	redis        redis.UniversalClient
	recordPrefix string
	notifyPrefix string
	ttl          time.Duration
	log          zerolog.Logger

	mu   sync.Mutex
	live map[string]*memStream
}

// NewBroker builds a Broker from the config, applying defaults for the key
// prefixes and buffer TTL.
func NewBroker(cfg BrokerConfig) *Broker {
	if cfg.RecordPrefix == "" {
		cfg.RecordPrefix = defaultRecordPrefix
	}
	if cfg.NotifyPrefix == "" {
		cfg.NotifyPrefix = defaultNotifyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultBufferTTL
	}
	return &Broker{
		redis:        cfg.Redis,
		recordPrefix: cfg.RecordPrefix,
		notifyPrefix: cfg.NotifyPrefix,
		ttl:          cfg.TTL,
		log:          cfg.Log,
		live:         make(map[string]*memStream),
	}
}

// Durable reports whether events survive the producing request. When false,
// a disconnected client cannot resume.
func (b *Broker) Durable() bool {
	return b.redis != nil
}

// Recorded reports whether the stream still has a buffer (or, without Redis,
// a live producer) to subscribe to.
func (b *Broker) Recorded(ctx context.Context, streamID string) (bool, error) {
	if b.redis == nil {
		b.mu.Lock()
		_, ok := b.live[streamID]
		b.mu.Unlock()
		return ok, nil
	}
	n, err := b.redis.Exists(ctx, b.recordPrefix+streamID).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return n > 0, nil
}

/*
====================================
PRODUCER
====================================
*/

// Writer appends events to one stream's log.
type Writer struct {
	broker   *Broker
	streamID string
	mem      *memStream
}

// OpenWriter registers the producer side of a stream. Callers must emit
// exactly one terminal event before abandoning the writer.
func (b *Broker) OpenWriter(ctx context.Context, streamID string) (*Writer, error) {
	w := &Writer{broker: b, streamID: streamID}
	if b.redis == nil {
		ms := newMemStream()
		b.mu.Lock()
		b.live[streamID] = ms
		b.mu.Unlock()
		w.mem = ms
	}
	return w, nil
}

// StreamID returns the stream this writer feeds.
func (w *Writer) StreamID() string {
	return w.streamID
}

// Emit appends one event and wakes attached consumers. A terminal event
// seals the log; in memory mode the sealed log stays subscribable for the
// buffer TTL so a consumer attaching just after the producer finished still
// gets the full replay.
func (w *Writer) Emit(ctx context.Context, e Event) error {
	if w.mem != nil {
		w.mem.append(e)
		if e.Terminal() {
			b := w.broker
			time.AfterFunc(b.ttl, func() {
				b.mu.Lock()
				delete(b.live, w.streamID)
				b.mu.Unlock()
			})
		}
		return nil
	}

	raw, err := e.Encode()
	if err != nil {
		return err
	}
	b := w.broker
	key := b.recordPrefix + w.streamID
	_, err = b.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, raw)
		pipe.Expire(ctx, key, b.ttl)
		pipe.Publish(ctx, b.notifyPrefix+w.streamID, "1")
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

/*
====================================
CONSUMERS
====================================
*/

// Subscribe attaches a consumer to the stream. The returned channel replays
// the log from the start, follows live events, and closes after the terminal
// event or when ctx is done. Without Redis only streams with a live producer
// or a sealed log still inside the buffer TTL can be subscribed.
func (b *Broker) Subscribe(ctx context.Context, streamID string) (<-chan Event, error) {
	if b.redis == nil {
		b.mu.Lock()
		ms := b.live[streamID]
		b.mu.Unlock()
		if ms == nil {
			return nil, ErrStreamNotFound
		}
		out := make(chan Event, 16)
		go ms.follow(ctx, out)
		return out, nil
	}

	sub := b.redis.Subscribe(ctx, b.notifyPrefix+streamID)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	out := make(chan Event, 16)
	go b.follow(ctx, sub, b.recordPrefix+streamID, out)
	return out, nil
}

func (b *Broker) follow(ctx context.Context, sub *redis.PubSub, key string, out chan<- Event) {
	defer close(out)
	defer func() { _ = sub.Close() }()

	var offset int64
	// flush drains the log from the current offset. Returns true when the
	// consumer is finished (terminal event delivered or ctx done).
	flush := func() (bool, error) {
		raws, err := b.redis.LRange(ctx, key, offset, -1).Result()
		if err != nil {
			return true, err
		}
		for _, raw := range raws {
			ev, err := DecodeEvent([]byte(raw))
			if err != nil {
				return true, err
			}
			offset++
			select {
			case out <- ev:
			case <-ctx.Done():
				return true, nil
			}
			if ev.Terminal() {
				return true, nil
			}
		}
		return false, nil
	}

	done, err := flush()
	if err != nil {
		b.log.Warn().Err(err).Str("key", key).Msg("stream replay failed")
	}
	if done {
		return
	}

	notify := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-notify:
			if !ok {
				return
			}
			done, err := flush()
			if err != nil {
				b.log.Warn().Err(err).Str("key", key).Msg("stream follow failed")
			}
			if done {
				return
			}
		}
	}
}

/*
====================================
IN-MEMORY FALLBACK
====================================
*/

type memStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	done   bool
}

func newMemStream() *memStream {
	m := &memStream{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *memStream) append(e Event) {
	m.mu.Lock()
	if !m.done {
		m.events = append(m.events, e)
		if e.Terminal() {
			m.done = true
		}
	}
	m.mu.Unlock()
	m.cond.Broadcast()
}

func (m *memStream) follow(ctx context.Context, out chan<- Event) {
	defer close(out)

	// Taking the lock before broadcasting guarantees the waiter below is
	// parked in Wait, not between its ctx check and the Wait call.
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.mu.Unlock() //nolint:staticcheck
		m.cond.Broadcast()
	})
	defer stop()

	offset := 0
	for {
		m.mu.Lock()
		for offset >= len(m.events) && !m.done && ctx.Err() == nil {
			m.cond.Wait()
		}
		if ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		if offset >= len(m.events) && m.done {
			m.mu.Unlock()
			return
		}
		batch := m.events[offset:len(m.events):len(m.events)]
		offset += len(batch)
		m.mu.Unlock()

		for _, ev := range batch {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}
