// Package bus implements the message bus: Redis-backed topic pub/sub
// with priority TTLs, pattern subscriptions, catch-up replay, and a
// circuit-breaker-gated fallback to the persistent outbox while the
// remote transport is down.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ghost/internal/breaker"
	"ghost/internal/config"
	"ghost/internal/config/logger"
	"ghost/internal/ghosterr"
	"ghost/internal/model"
	"ghost/internal/outbox"
)

// ConnectionState is the bus's view of remote-transport health.
type ConnectionState string

const (
	Disconnected ConnectionState = "Disconnected"
	Degraded     ConnectionState = "Degraded"
	Connected    ConnectionState = "Connected"
)

// Diagnostics is a read-only snapshot exposed for operational visibility.
type Diagnostics struct {
	ConnectionState   ConnectionState
	BreakerState      string
	SubscriptionCount int
	PendingOutboxSize int
	ChannelLastSeen   map[string]time.Time
}

// Publisher is the publish half of the bus port capability handed to
// the supervisor and command processor; the daemon shell alone owns
// the full Bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte, priority model.Priority, typeTag string, ttl time.Duration) (model.Message, error)
}

// Subscriber is the subscribe half of BusPort.
type Subscriber interface {
	Subscribe(ctx context.Context, pattern string) (*Subscription, error)
}

// Port is the capability passed to the Supervisor and Command Processor.
type Port interface {
	Publisher
	Subscriber
}

// Bus is the Message Bus implementation.
type Bus struct {
	cfg *config.Config
	log logger.Logger
	rdb *redis.Client
	brk *breaker.Breaker
	ob  *outbox.Outbox

	counter int64

	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	lastSeen map[string]time.Time

	stateMu   sync.Mutex
	state     ConnectionState
	stateSubs []chan ConnectionState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New dials the Redis transport at cfg.BusURL, retrying the initial
// connection a bounded number of times before falling back to starting
// disconnected and outbox-backed. ob may be nil, in which case Publish
// surfaces ErrTransportUnavailable instead of degrading through an
// outbox.
func New(cfg *config.Config, ob *outbox.Outbox, log logger.Logger) (*Bus, error) {
	opt, err := redis.ParseURL(cfg.BusURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse bus url: %w", ghosterr.ErrInvalidConfig, err)
	}

	busLog := log.WithComponent("BUS")
	rdb := redis.NewClient(opt)

	if err := connectWithRetry(rdb, busLog); err != nil {
		busLog.Warn().Err(err).Msg("bus connect retries exhausted, starting disconnected")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Bus{
		cfg:      cfg,
		log:      busLog,
		rdb:      rdb,
		brk:      breaker.New(cfg.BreakerMaxFailures, time.Duration(cfg.BreakerResetTimeoutMs)*time.Millisecond),
		ob:       ob,
		subs:     make(map[*Subscription]struct{}),
		lastSeen: make(map[string]time.Time),
		state:    Disconnected,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// connectWithRetry pings the transport up to ConnectMaxRetries times,
// each attempt bounded by ConnectDialTimeout, doubling the delay between
// attempts starting at 100ms (the same doubling-backoff shape
// internal/supervisor's scheduleAutoRestart uses for crash backoff). It
// returns the last Ping error if every attempt fails; the caller treats
// that as non-fatal and starts disconnected rather than refusing to
// construct a Bus.
func connectWithRetry(rdb *redis.Client, log logger.Logger) error {
	var err error

	delay := 100 * time.Millisecond

	for attempt := 1; attempt <= config.ConnectMaxRetries; attempt++ {
		pctx, cancel := context.WithTimeout(context.Background(), config.ConnectDialTimeout)
		err = rdb.Ping(pctx).Err()
		cancel()

		if err == nil {
			return nil
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("bus connect attempt failed")

		if attempt == config.ConnectMaxRetries {
			break
		}

		time.Sleep(delay)
		delay *= 2
	}

	return err
}

// Start launches the background outbox-flush and connection-monitor
// loops. Safe to call once.
func (b *Bus) Start() {
	b.checkConnection()

	b.wg.Add(2)

	go b.flushLoop()
	go b.monitorLoop()
}

// Close stops background loops and releases the Redis client. Queued
// subscriptions are cancelled; their readers observe a closed channel.
func (b *Bus) Close() error {
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}

	return b.rdb.Close()
}

func (b *Bus) nextID() string {
	b.mu.Lock()
	b.counter++
	n := b.counter
	b.mu.Unlock()

	// The counter is zero-padded so ids stay lexicographically orderable
	// even for two messages published within the same millisecond.
	return fmt.Sprintf("%d:%012d:%s", time.Now().UnixMilli(), n, uuid.NewString())
}

func defaultTTL(priority model.Priority) time.Duration {
	switch priority {
	case model.PriorityLow:
		return config.TTLLow
	case model.PriorityHigh:
		return config.TTLHigh
	case model.PriorityCritical:
		return config.TTLCritical
	default:
		return config.TTLNormal
	}
}

// Publish attempts the Redis round-trip under breaker protection,
// falls back to the outbox on denial or failure, and independently
// delivers to every matching local subscription regardless of which
// path the remote write took.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte, priority model.Priority, typeTag string, ttl time.Duration) (model.Message, error) {
	if ttl <= 0 {
		ttl = defaultTTL(priority)
	}

	now := time.Now().UTC()
	msg := model.Message{
		Id:        b.nextID(),
		Channel:   channel,
		Priority:  priority,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		TypeTag:   typeTag,
		Payload:   payload,
	}

	viaRemote := false

	if b.brk.Allow() {
		if err := b.remotePublish(ctx, msg); err != nil {
			b.brk.Failure()
			b.log.Warn().Err(err).Str("channel", channel).Msg("remote publish failed, falling back to outbox")
		} else {
			b.brk.Success()
			viaRemote = true
		}
	}

	if !viaRemote {
		if b.ob == nil {
			b.deliverLocal(msg)
			return msg, fmt.Errorf("%w: channel %s", ghosterr.ErrTransportUnavailable, channel)
		}

		if err := b.ob.Store(ctx, msg); err != nil {
			return msg, err
		}

		// Only deliver locally here when the remote write didn't happen:
		// a successful remotePublish loops this same message back to
		// local subscribers through pumpRedis, so delivering it again
		// here would double-deliver.
		b.deliverLocal(msg)
	}

	return msg, nil
}

func (b *Bus) remotePublish(ctx context.Context, msg model.Message) error {
	key := "message:" + msg.Channel + ":" + msg.Id

	ttl := time.Until(msg.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}

	if err := b.rdb.Set(ctx, key, msg.Payload, ttl).Err(); err != nil {
		return err
	}

	if err := b.rdb.Set(ctx, "channel:"+msg.Channel+":last", msg.Id, 0).Err(); err != nil {
		return err
	}

	if err := b.rdb.SAdd(ctx, "channels:active", msg.Channel).Err(); err != nil {
		return err
	}

	if err := b.rdb.HSet(ctx, key+":meta",
		"priority", string(msg.Priority),
		"timestamp", msg.CreatedAt.Format(time.RFC3339Nano),
		"type", msg.TypeTag,
	).Err(); err != nil {
		return err
	}

	if err := b.rdb.Publish(ctx, msg.Channel, msg.Id).Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.lastSeen[msg.Channel] = msg.CreatedAt
	b.mu.Unlock()

	return nil
}

func (b *Bus) deliverLocal(msg model.Message) {
	b.mu.Lock()

	matched := make([]*Subscription, 0, 4)

	for s := range b.subs {
		if s.matches(msg.Channel) {
			matched = append(matched, s)
		}
	}

	b.lastSeen[msg.Channel] = msg.CreatedAt

	b.mu.Unlock()

	for _, s := range matched {
		s.queue.push(msg)
	}
}

// Subscribe registers a local writer, attaches a transport listener
// (literal subscribe or wildcard psubscribe), replays the last message
// per matching channel, then streams live.
func (b *Bus) Subscribe(ctx context.Context, pattern string) (*Subscription, error) {
	matcher, literal, err := compilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ghosterr.ErrInvalidPattern, err)
	}

	subCtx, cancel := context.WithCancel(b.ctx)

	sub := &Subscription{
		Pattern: pattern,
		bus:     b,
		queue:   newUnboundedQueue(),
		matcher: matcher,
		literal: literal,
		out:     make(chan model.Message),
	}

	var pubsub *redis.PubSub
	if literal {
		pubsub = b.rdb.Subscribe(subCtx, pattern)
	} else {
		pubsub = b.rdb.PSubscribe(subCtx, pattern)
	}

	var once sync.Once

	sub.cancel = func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
			b.removeSub(sub)
			sub.queue.closeQueue()
		})
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)

	go func() {
		defer b.wg.Done()
		b.pumpRedis(subCtx, sub, pubsub)
	}()

	go b.pumpQueue(sub)

	b.catchUp(ctx, sub, pattern, matcher, literal)

	return sub, nil
}

func (b *Bus) removeSub(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

func (b *Bus) pumpRedis(ctx context.Context, sub *Subscription, pubsub *redis.PubSub) {
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case rm, ok := <-ch:
			if !ok {
				return
			}

			msg, ok := b.fetchMessage(ctx, rm.Channel, rm.Payload)
			if ok {
				sub.queue.push(msg)
			}
		}
	}
}

func (b *Bus) pumpQueue(sub *Subscription) {
	defer close(sub.out)

	for {
		msg, ok := sub.queue.pop()
		if !ok {
			return
		}

		sub.out <- msg
	}
}

// catchUp yields the last known message for each channel matching
// pattern before streaming begins.
func (b *Bus) catchUp(ctx context.Context, sub *Subscription, pattern string, matcher interface{ Match(string) bool }, literal bool) {
	if literal {
		lastID, err := b.rdb.Get(ctx, "channel:"+pattern+":last").Result()
		if err == nil {
			if msg, ok := b.fetchMessage(ctx, pattern, lastID); ok {
				sub.queue.push(msg)
			}
		}

		return
	}

	channels, err := b.rdb.SMembers(ctx, "channels:active").Result()
	if err != nil {
		return
	}

	for _, ch := range channels {
		if !matcher.Match(ch) {
			continue
		}

		lastID, err := b.rdb.Get(ctx, "channel:"+ch+":last").Result()
		if err != nil {
			continue
		}

		if msg, ok := b.fetchMessage(ctx, ch, lastID); ok {
			sub.queue.push(msg)
		}
	}
}

// fetchMessage resolves a channel/id notification to its payload,
// trying the transport first (breaker-gated) and the outbox on miss.
func (b *Bus) fetchMessage(ctx context.Context, channel, id string) (model.Message, bool) {
	if b.brk.Allow() {
		key := "message:" + channel + ":" + id

		payload, err := b.rdb.Get(ctx, key).Bytes()
		if err == nil {
			b.brk.Success()

			meta := b.rdb.HGetAll(ctx, key+":meta").Val()

			msg := model.Message{
				Id:       id,
				Channel:  channel,
				Payload:  payload,
				Priority: model.Priority(meta["priority"]),
				TypeTag:  meta["type"],
			}

			if ts, perr := time.Parse(time.RFC3339Nano, meta["timestamp"]); perr == nil {
				msg.CreatedAt = ts
			}

			return msg, true
		}

		if err != redis.Nil {
			b.brk.Failure()
		}
	}

	if b.ob == nil {
		return model.Message{}, false
	}

	msgs, err := b.ob.GetByChannelPattern(ctx, channel)
	if err != nil {
		return model.Message{}, false
	}

	for _, m := range msgs {
		if m.Id == id {
			return m, true
		}
	}

	return model.Message{}, false
}

// flushLoop retries outbox-pending messages every OutboxFlushInterval
// while the remote is available.
func (b *Bus) flushLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.OutboxFlushIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.flushOutbox(b.ctx)
		}
	}
}

// FlushOutbox drains one batch of pending outbox messages immediately,
// independent of the background flushLoop ticker. The daemon shell
// calls this once more during shutdown, where b.ctx is already
// cancelled and the ticker goroutine has stopped, so it needs its own
// caller-supplied ctx.
func (b *Bus) FlushOutbox(ctx context.Context) {
	b.flushOutbox(ctx)
}

func (b *Bus) flushOutbox(parent context.Context) {
	if b.ob == nil || b.ConnectionState() != Connected {
		return
	}

	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()

	if n, err := b.ob.CleanupExpired(ctx); err != nil {
		b.log.Warn().Err(err).Msg("outbox flush: cleanup expired failed")
	} else if n > 0 {
		b.log.Debug().Int("count", int(n)).Msg("outbox flush: dropped expired messages")
	}

	pending, err := b.ob.GetPending(ctx, 100)
	if err != nil {
		b.log.Warn().Err(err).Msg("outbox flush: get pending failed")
		return
	}

	for _, msg := range pending {
		if time.Until(msg.ExpiresAt) <= 0 {
			continue
		}

		if !b.brk.Allow() {
			return
		}

		if err := b.remotePublish(ctx, msg); err != nil {
			b.brk.Failure()
			continue
		}

		b.brk.Success()

		if err := b.ob.MarkProcessed(ctx, msg.Id); err != nil {
			b.log.Warn().Err(err).Str("id", msg.Id).Msg("outbox flush: mark processed failed")
		}
	}
}

// monitorLoop pings the transport every ConnectionCheckEvery and
// updates ConnectionState.
func (b *Bus) monitorLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(config.ConnectionCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.checkConnection()
		}
	}
}

func (b *Bus) checkConnection() {
	pctx, cancel := context.WithTimeout(b.ctx, config.BusPingTimeout)
	defer cancel()

	start := time.Now()
	err := b.rdb.Ping(pctx).Err()
	elapsed := time.Since(start)

	var state ConnectionState

	switch {
	case err != nil:
		state = Disconnected
	case elapsed > config.BusDegradedThreshold:
		state = Degraded
	default:
		state = Connected
	}

	b.setConnectionState(state)
}

func (b *Bus) setConnectionState(state ConnectionState) {
	b.stateMu.Lock()
	changed := b.state != state
	b.state = state
	subs := append([]chan ConnectionState(nil), b.stateSubs...)
	b.stateMu.Unlock()

	if !changed {
		return
	}

	for _, ch := range subs {
		select {
		case ch <- state:
		default:
		}
	}
}

// ConnectionState returns the bus's current view of transport health.
func (b *Bus) ConnectionState() ConnectionState {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	return b.state
}

// ConnectionStateChanges returns a channel that receives every
// connection-state transition.
func (b *Bus) ConnectionStateChanges() <-chan ConnectionState {
	ch := make(chan ConnectionState, 4)

	b.stateMu.Lock()
	b.stateSubs = append(b.stateSubs, ch)
	b.stateMu.Unlock()

	return ch
}

// Diagnostics returns a read-only snapshot of bus health.
func (b *Bus) Diagnostics(ctx context.Context) Diagnostics {
	b.mu.Lock()
	subCount := len(b.subs)
	lastSeen := make(map[string]time.Time, len(b.lastSeen))

	for k, v := range b.lastSeen {
		lastSeen[k] = v
	}

	b.mu.Unlock()

	pending := 0
	if b.ob != nil {
		if n, err := b.ob.PendingCount(ctx); err == nil {
			pending = n
		}
	}

	return Diagnostics{
		ConnectionState:   b.ConnectionState(),
		BreakerState:      b.brk.CurrentState().String(),
		SubscriptionCount: subCount,
		PendingOutboxSize: pending,
		ChannelLastSeen:   lastSeen,
	}
}
