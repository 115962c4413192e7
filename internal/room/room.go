// Package room implements the Control Room: the single-threaded event
// loop that owns one tailer.TopicTailer and the bounded queue that
// crosses from arbitrary storage-worker and client-request goroutines
// onto that loop, grounded on the original room.h's WorkerLoop +
// Forward/NoBuffer discipline (spec.md §5).
package room

import (
	"context"
	"errors"
	"sync"

	"github.com/rocketspeed-io/towercore/internal/logtailer"
	"github.com/rocketspeed-io/towercore/internal/tailer"
	"github.com/rocketspeed-io/towercore/internal/topicuuid"
	logpkg "github.com/rocketspeed-io/towercore/pkg/log"
)

// ErrNoBuffer is returned when the room's command queue is full. The
// caller owns the back-pressure decision: a storage worker drops the
// event (the store will redeliver on the next record), while a client
// request surfaces the error to its caller.
var ErrNoBuffer = errors.New("room: command queue full")

// Room processes a disjoint subset of the log id space, entirely on a
// single goroutine. It is oblivious of any other Room in the same
// Control Tower.
type Room struct {
	logger logpkg.Logger
	number int
	tt     *tailer.TopicTailer

	queue  chan func(context.Context)
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures a Room.
type Options struct {
	Number     int
	Logger     logpkg.Logger
	QueueDepth int
}

// New constructs a Room with no TopicTailer attached yet. Callers build
// the TopicTailer around ForwardFunc, a closure that is valid
// immediately even though the TopicTailer it will drive doesn't exist
// until the next line, then call SetTopicTailer — the two-phase
// construction controltower.New uses to break the Forward/TopicTailer
// circular dependency.
func New(opts Options) *Room {
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 64 * 1024
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	r := &Room{
		logger: logger.With(logpkg.Component("room")).With(logpkg.F("room", opts.Number)),
		number: opts.Number,
		queue:  make(chan func(context.Context), depth),
		stopCh: make(chan struct{}),
	}
	return r
}

// SetTopicTailer attaches the TopicTailer this room drives. Must be
// called once, before Run.
func (r *Room) SetTopicTailer(tt *tailer.TopicTailer) { r.tt = tt }

// ForwardFunc adapts Forward to the func(func()) shape TopicTailer's
// find_latest_seqno continuation expects, so the async path can re-enter
// the room loop instead of running on a storage worker goroutine.
func (r *Room) ForwardFunc() func(func()) {
	return func(fn func()) {
		if err := r.Forward(func(context.Context) { fn() }); err != nil {
			r.logger.Warn("dropped forwarded continuation, room queue full")
		}
	}
}

// Number returns the room's position in the Control Tower's room list.
func (r *Room) Number() int { return r.number }

// Forward enqueues fn to run on the room goroutine. It never blocks: if
// the queue is full it returns ErrNoBuffer immediately, mirroring the
// original WorkerLoop's Forward/NoBuffer contract.
func (r *Room) Forward(fn func(context.Context)) error {
	select {
	case r.queue <- fn:
		return nil
	default:
		return ErrNoBuffer
	}
}

// Run drains the queue until ctx is cancelled or Stop is called.
func (r *Room) Run(ctx context.Context) {
	r.wg.Add(1)
	defer r.wg.Done()
	for {
		select {
		case fn := <-r.queue:
			fn(ctx)
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		}
	}
}

// Stop signals Run to return and waits for it to do so.
func (r *Room) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// OnRecord implements logtailer.Sink. Called from a storage worker
// goroutine; forwards onto the room loop and drops (with a log line)
// if the room can't keep up.
func (r *Room) OnRecord(rec logtailer.Record) {
	err := r.Forward(func(ctx context.Context) {
		if err := r.tt.SendLogRecord(ctx, rec); err != nil {
			r.logger.Warn("send_log_record failed", logpkg.Err(err), logpkg.F("log_id", uint64(rec.LogID)))
		}
	})
	if err != nil {
		r.logger.Warn("dropped record, room queue full", logpkg.F("log_id", uint64(rec.LogID)), logpkg.F("seqno", uint64(rec.Seqno)))
	}
}

// OnGap implements logtailer.Sink.
func (r *Room) OnGap(gap logtailer.Gap) {
	err := r.Forward(func(ctx context.Context) {
		if err := r.tt.SendGapRecord(ctx, gap); err != nil {
			r.logger.Warn("send_gap_record failed", logpkg.Err(err), logpkg.F("log_id", uint64(gap.LogID)))
		}
	})
	if err != nil {
		r.logger.Warn("dropped gap, room queue full", logpkg.F("log_id", uint64(gap.LogID)))
	}
}

// AddSubscriber posts an add-subscriber request onto the room loop and
// waits for it to be processed. Returns ErrNoBuffer if the room's queue
// is saturated rather than blocking the caller indefinitely.
func (r *Room) AddSubscriber(ctx context.Context, topic topicuuid.TopicUUID, start topicuuid.SequenceNumber, id topicuuid.CopilotSub, filterExpr string) error {
	result := make(chan error, 1)
	if err := r.Forward(func(ctx context.Context) {
		result <- r.tt.AddSubscriber(ctx, topic, start, id, filterExpr)
	}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemoveSubscriber posts a remove-subscriber request onto the room loop.
func (r *Room) RemoveSubscriber(ctx context.Context, id topicuuid.CopilotSub) error {
	result := make(chan error, 1)
	if err := r.Forward(func(ctx context.Context) {
		result <- r.tt.RemoveSubscriber(ctx, id)
	}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemoveSubscriberStream posts a stream-teardown request onto the room loop.
func (r *Room) RemoveSubscriberStream(ctx context.Context, stream topicuuid.StreamID) error {
	result := make(chan error, 1)
	if err := r.Forward(func(ctx context.Context) {
		result <- r.tt.RemoveSubscriberStream(ctx, stream)
	}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetLogInfo posts an introspection request onto the room loop.
func (r *Room) GetLogInfo(ctx context.Context, logID topicuuid.LogID) (string, error) {
	result := make(chan string, 1)
	if err := r.Forward(func(context.Context) {
		result <- r.tt.GetLogInfo(logID)
	}); err != nil {
		return "", err
	}
	select {
	case s := <-result:
		return s, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// GetAllLogsInfo posts an introspection request onto the room loop.
func (r *Room) GetAllLogsInfo(ctx context.Context) (string, error) {
	result := make(chan string, 1)
	if err := r.Forward(func(context.Context) {
		result <- r.tt.GetAllLogsInfo()
	}); err != nil {
		return "", err
	}
	select {
	case s := <-result:
		return s, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ClearCache posts a cache-clear request onto the room loop.
func (r *Room) ClearCache(ctx context.Context) error {
	done := make(chan struct{})
	if err := r.Forward(func(context.Context) {
		r.tt.ClearCache()
		close(done)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetCacheCapacity posts a cache-resize request onto the room loop.
func (r *Room) SetCacheCapacity(ctx context.Context, bytes int64) error {
	done := make(chan struct{})
	if err := r.Forward(func(context.Context) {
		r.tt.SetCacheCapacity(bytes)
		close(done)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CacheUsage posts a cache-usage request onto the room loop.
func (r *Room) CacheUsage(ctx context.Context) (int64, error) {
	result := make(chan int64, 1)
	if err := r.Forward(func(context.Context) { result <- r.tt.CacheUsage() }); err != nil {
		return 0, err
	}
	select {
	case n := <-result:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// CacheCapacity posts a cache-capacity request onto the room loop.
func (r *Room) CacheCapacity(ctx context.Context) (int64, error) {
	result := make(chan int64, 1)
	if err := r.Forward(func(context.Context) { result <- r.tt.CacheCapacity() }); err != nil {
		return 0, err
	}
	select {
	case n := <-result:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stats posts a stats snapshot request onto the room loop.
func (r *Room) Stats(ctx context.Context) (tailer.Stats, error) {
	result := make(chan tailer.Stats, 1)
	if err := r.Forward(func(context.Context) {
		result <- r.tt.Stats
	}); err != nil {
		return tailer.Stats{}, err
	}
	select {
	case s := <-result:
		return s, nil
	case <-ctx.Done():
		return tailer.Stats{}, ctx.Err()
	}
}
