// Package queue is the Outbound Mesh Queue (spec C3): a bounded FIFO that
// paces sends to the Meshtastic firmware's minimum inter-message delay and
// holds the head item across transport outages instead of dropping it.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultCapacity is the queue's default bounded size.
	DefaultCapacity = 100
	// HighWaterFraction and MediumWaterFraction trigger escalating log
	// levels as the queue fills.
	HighWaterFraction   = 0.75
	MediumWaterFraction = 0.50

	// MinInterMessageDelay is the hard lower bound imposed by Meshtastic
	// firmware; smaller configured values are clamped up with a warning.
	MinInterMessageDelay = 2 * time.Second
	// DefaultInterMessageDelay is used when unset.
	DefaultInterMessageDelay = 2200 * time.Millisecond

	// shouldSendPollInterval is how often the drainer re-polls the
	// should-send predicate while it returns false.
	shouldSendPollInterval = time.Second
)

// Result is what a send thunk returns. ID is used to gate message-map
// persistence: only sends that produce a non-zero id are mapped.
type Result struct {
	ID uint32
}

// SendFunc performs the actual radio send. It is executed synchronously on
// the queue's drainer goroutine (teacher's irc client keeps sends
// synchronous under its own rate limiter); callers that need to avoid
// blocking the drainer on network I/O should invoke it via their own worker
// pool and return promptly.
type SendFunc func(ctx context.Context) (Result, error)

// MappingPersister stores a successful send's mapping info. Implemented by
// internal/store in production; stubbed in tests.
type MappingPersister interface {
	PersistMapping(ctx context.Context, meshID uint32, info MappingInfo) error
}

// MappingInfo is attached to an item so the queue can persist a mapping
// after — and only after — its send succeeds with a non-zero id.
type MappingInfo struct {
	MatrixEventID string
	RoomID        string
	Text          string
	Meshnet       string
}

// TransportProbe lets the queue ask the current transport whether it is
// safe to send, without the queue importing internal/mesh directly (spec
// §5: "readers read without locking but tolerate nil and stale values").
type TransportProbe interface {
	// Attached reports whether any transport is currently attached.
	Attached() bool
	// Reconnecting reports whether the transport is mid-reconnect.
	Reconnecting() bool
	// Connected probes liveness; implementations without a cheap probe
	// should just mirror Attached()/Reconnecting().
	Connected() bool
}

type item struct {
	send        SendFunc
	description string
	mapping     *MappingInfo
}

// Queue is a bounded, rate-paced FIFO. Zero value is not usable; use New.
type Queue struct {
	mu       sync.Mutex
	items    *list.List
	capacity int
	running  bool

	delay    time.Duration
	lastSend time.Time

	probe     TransportProbe
	persister MappingPersister
	pruneFunc func(ctx context.Context)

	logger zerolog.Logger

	wake     chan struct{}
	shutdown chan struct{}
	done     chan struct{}
}

// Config configures a Queue. Capacity<=0 defaults to DefaultCapacity. Delay
// below MinInterMessageDelay is clamped up with a warning; Delay<=0 uses
// DefaultInterMessageDelay.
type Config struct {
	Capacity  int
	Delay     time.Duration
	Probe     TransportProbe
	Persister MappingPersister
	// PruneFunc, if set, runs after each successful mapped send (e.g. to
	// enforce msgs_to_keep).
	PruneFunc func(ctx context.Context)
}

// New builds a Queue. Call Start to launch the drainer.
func New(cfg Config, logger zerolog.Logger) *Queue {
	logger = logger.With().Str("component", "queue").Logger()

	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	delay := cfg.Delay
	switch {
	case delay <= 0:
		delay = DefaultInterMessageDelay
	case delay < MinInterMessageDelay:
		logger.Warn().
			Dur("configured", delay).
			Dur("minimum", MinInterMessageDelay).
			Msg("message_delay below firmware minimum, clamping")
		delay = MinInterMessageDelay
	}

	return &Queue{
		items:     list.New(),
		capacity:  capacity,
		delay:     delay,
		probe:     cfg.Probe,
		persister: cfg.Persister,
		pruneFunc: cfg.PruneFunc,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start marks the queue running and launches the background drainer. ctx
// bounds the drainer's lifetime in addition to Shutdown.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	q.running = true
	q.mu.Unlock()

	go q.drain(ctx)
}

// Enqueue appends a unit of work. Returns false (never blocking) if the
// queue is not running or at capacity.
func (q *Queue) Enqueue(send SendFunc, description string, mapping *MappingInfo) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return false
	}
	size := q.items.Len()
	if size >= q.capacity {
		q.logger.Warn().Str("description", description).Int("capacity", q.capacity).
			Msg("queue full, dropping message")
		return false
	}

	q.items.PushBack(&item{send: send, description: description, mapping: mapping})
	size++

	switch {
	case float64(size) >= float64(q.capacity)*HighWaterFraction:
		q.logger.Warn().Int("size", size).Int("capacity", q.capacity).Msg("queue at high water mark")
	case float64(size) >= float64(q.capacity)*MediumWaterFraction:
		q.logger.Info().Int("size", size).Int("capacity", q.capacity).Msg("queue at medium water mark")
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Shutdown stops the drainer. Any item currently held (in flight or waiting
// on should-send) is logged as dropped.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.mu.Unlock()

	close(q.shutdown)
	<-q.done
}

func (q *Queue) shouldSend() bool {
	if q.probe == nil {
		return true
	}
	if !q.probe.Attached() {
		return false
	}
	if q.probe.Reconnecting() {
		return false
	}
	return q.probe.Connected()
}

func (q *Queue) popFront() *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.items.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*item)
}

func (q *Queue) removeFront() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e := q.items.Front(); e != nil {
		q.items.Remove(e)
	}
}

func (q *Queue) drain(ctx context.Context) {
	defer close(q.done)

	for {
		select {
		case <-q.shutdown:
			if it := q.popFront(); it != nil {
				q.logger.Warn().Str("description", it.description).Msg("dropping in-flight message on shutdown")
			}
			return
		case <-ctx.Done():
			return
		default:
		}

		it := q.popFront()
		if it == nil {
			select {
			case <-q.wake:
			case <-q.shutdown:
				return
			case <-ctx.Done():
				return
			case <-time.After(shouldSendPollInterval):
			}
			continue
		}

		if !q.shouldSend() {
			select {
			case <-q.shutdown:
				q.logger.Warn().Str("description", it.description).Msg("dropping in-flight message on shutdown")
				return
			case <-ctx.Done():
				return
			case <-time.After(shouldSendPollInterval):
			}
			continue
		}

		if wait := q.delay - time.Since(q.lastSend); wait > 0 {
			select {
			case <-q.shutdown:
				q.logger.Warn().Str("description", it.description).Msg("dropping in-flight message on shutdown")
				return
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		result, err := it.send(ctx)
		q.lastSend = time.Now()
		q.removeFront()

		if err != nil {
			q.logger.Error().Err(err).Str("description", it.description).Msg("send failed")
			continue
		}

		if result.ID != 0 && it.mapping != nil && q.persister != nil {
			if perr := q.persister.PersistMapping(ctx, result.ID, *it.mapping); perr != nil {
				q.logger.Error().Err(perr).Uint32("mesh_id", result.ID).Msg("failed to persist message map entry")
			} else if q.pruneFunc != nil {
				q.pruneFunc(ctx)
			}
		}
	}
}
