package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsched/scheduled-mailer/internal/queue"
	"github.com/mailsched/scheduled-mailer/shared/logger"
)

type ackResult struct {
	tag     uint64
	acked   bool
	requeue bool
}

// fakeAcknowledger records acks and nacks sent for deliveries
type fakeAcknowledger struct {
	results chan ackResult
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.results <- ackResult{tag: tag, acked: true}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.results <- ackResult{tag: tag, requeue: requeue}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeSource struct {
	deliveries chan amqp.Delivery
	mu         sync.Mutex
	cancelled  bool
}

func (s *fakeSource) Consume(string) (<-chan amqp.Delivery, error) {
	return s.deliveries, nil
}

func (s *fakeSource) Cancel(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	return nil
}

type fakeProcessor struct {
	mu    sync.Mutex
	calls []string
	fn    func(messageID string) error
}

func (p *fakeProcessor) Process(_ context.Context, messageID string) error {
	p.mu.Lock()
	p.calls = append(p.calls, messageID)
	fn := p.fn
	p.mu.Unlock()
	if fn != nil {
		return fn(messageID)
	}
	return nil
}

func (p *fakeProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type harness struct {
	redis     *miniredis.Miniredis
	queue     *queue.Queue
	source    *fakeSource
	acks      *fakeAcknowledger
	processor *fakeProcessor
	worker    *Worker
	cancel    context.CancelFunc
	done      chan error
	tag       uint64
}

type harnessOptions struct {
	concurrency  int
	lockDuration time.Duration
}

type harnessOption func(*harnessOptions)

func withConcurrency(n int) harnessOption {
	return func(o *harnessOptions) { o.concurrency = n }
}

func withLockDuration(d time.Duration) harnessOption {
	return func(o *harnessOptions) { o.lockDuration = d }
}

func newHarness(t *testing.T, processor *fakeProcessor, opts ...harnessOption) *harness {
	t.Helper()

	o := harnessOptions{concurrency: 2, lockDuration: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := &harness{
		redis: mr,
		queue: queue.New(client, queue.Options{
			KeyPrefix:    "test:",
			Attempts:     3,
			Backoff:      5 * time.Second,
			LockDuration: o.lockDuration,
		}, logger.Discard()),
		source:    &fakeSource{deliveries: make(chan amqp.Delivery)},
		acks:      &fakeAcknowledger{results: make(chan ackResult, 10)},
		processor: processor,
		done:      make(chan error, 1),
	}

	h.worker = NewWorker(&Config{
		Logger:            logger.Discard(),
		Source:            h.source,
		Queue:             h.queue,
		Processor:         processor,
		Concurrency:       o.concurrency,
		HeartbeatInterval: 10 * time.Millisecond,
		ShutdownTimeout:   time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.worker.Start(ctx) }()

	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
	}
}

// dueJob adds a job that is immediately due and promotes it
func (h *harness) dueJob(t *testing.T) queue.DueJob {
	t.Helper()
	return h.dueJobWithID(t, uuid.New().String())
}

func (h *harness) dueJobWithID(t *testing.T, id string) queue.DueJob {
	t.Helper()
	ctx := context.Background()

	_, err := h.queue.Add(ctx, "send-email", id, id, 0)
	require.NoError(t, err)

	due, err := h.queue.PromoteDue(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	return due[0]
}

func (h *harness) deliver(t *testing.T, body []byte) uint64 {
	t.Helper()
	h.tag++
	d := amqp.Delivery{Acknowledger: h.acks, DeliveryTag: h.tag, Body: body}

	select {
	case h.source.deliveries <- d:
	case <-time.After(time.Second):
		t.Fatal("worker did not accept delivery")
	}
	return h.tag
}

func (h *harness) deliverJob(t *testing.T, job queue.DueJob) uint64 {
	t.Helper()
	body, err := json.Marshal(queue.Delivery{JobID: job.ID, Token: job.Token})
	require.NoError(t, err)
	return h.deliver(t, body)
}

func (h *harness) waitAck(t *testing.T, tag uint64) ackResult {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case res := <-h.acks.results:
			if res.tag == tag {
				return res
			}
		case <-deadline:
			t.Fatalf("delivery %d was not acknowledged", tag)
		}
	}
}

func TestWorker_CompletesSuccessfulJob(t *testing.T) {
	h := newHarness(t, &fakeProcessor{})
	job := h.dueJob(t)

	res := h.waitAck(t, h.deliverJob(t, job))
	assert.True(t, res.acked)

	state, err := h.queue.GetState(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, state)
	assert.Equal(t, 1, h.processor.callCount())
}

func TestWorker_FailedJobIsRetriedByQueue(t *testing.T) {
	h := newHarness(t, &fakeProcessor{fn: func(string) error {
		return errors.New("database unavailable")
	}})
	job := h.dueJob(t)

	res := h.waitAck(t, h.deliverJob(t, job))
	assert.True(t, res.acked)

	stored, err := h.queue.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, stored.State)
	assert.Equal(t, 1, stored.AttemptsMade)
	assert.Equal(t, "database unavailable", stored.FailedReason)
}

func TestWorker_StaleDeliveryIsDropped(t *testing.T) {
	h := newHarness(t, &fakeProcessor{})
	job := h.dueJob(t)

	res := h.waitAck(t, h.deliverJob(t, queue.DueJob{ID: job.ID, Token: "old-token"}))
	assert.True(t, res.acked)
	assert.Equal(t, 0, h.processor.callCount())

	state, err := h.queue.GetState(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, state)
}

func TestWorker_DuplicateDeliveryRunsPipelineOnce(t *testing.T) {
	h := newHarness(t, &fakeProcessor{})
	job := h.dueJob(t)

	first := h.deliverJob(t, job)
	second := h.deliverJob(t, job)

	assert.True(t, h.waitAck(t, first).acked)
	assert.True(t, h.waitAck(t, second).acked)
	assert.Equal(t, 1, h.processor.callCount())
}

func TestWorker_MalformedDeliveryIsRejected(t *testing.T) {
	h := newHarness(t, &fakeProcessor{})

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: "{not json"},
		{name: "missing job id", body: `{"token":"t"}`},
		{name: "missing token", body: `{"job_id":"` + uuid.New().String() + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.waitAck(t, h.deliver(t, []byte(tt.body)))
			assert.False(t, res.acked)
			assert.False(t, res.requeue)
		})
	}
	assert.Equal(t, 0, h.processor.callCount())
}

func TestWorker_PanicDoesNotStopPool(t *testing.T) {
	var panicked string
	processor := &fakeProcessor{}
	processor.fn = func(id string) error {
		if panicked == "" {
			panicked = id
			panic("template exploded")
		}
		return nil
	}
	h := newHarness(t, processor)

	first := h.dueJob(t)
	assert.True(t, h.waitAck(t, h.deliverJob(t, first)).acked)

	stored, err := h.queue.GetJob(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, stored.State)
	assert.Contains(t, stored.FailedReason, "pipeline panicked")

	second := h.dueJob(t)
	assert.True(t, h.waitAck(t, h.deliverJob(t, second)).acked)

	state, err := h.queue.GetState(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, state)
}

func TestWorker_HeartbeatExtendsLock(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, &fakeProcessor{fn: func(string) error {
		<-release
		return nil
	}}, withLockDuration(150*time.Millisecond))
	job := h.dueJob(t)

	tag := h.deliverJob(t, job)

	// Without heartbeats the lock deadline would have passed twice over
	time.Sleep(400 * time.Millisecond)

	stalled, _, err := h.queue.RecoverStalled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stalled)

	state, err := h.queue.GetState(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateActive, state)

	close(release)
	assert.True(t, h.waitAck(t, tag).acked)

	state, err = h.queue.GetState(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, state)
}

func TestWorker_PoolBoundsJobsInFlight(t *testing.T) {
	release := make(chan struct{})
	var inFlight, maxInFlight atomic.Int32
	h := newHarness(t, &fakeProcessor{fn: func(string) error {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return nil
	}}, withConcurrency(2))

	tags := make([]uint64, 0, 3)
	for i := 0; i < 3; i++ {
		tags = append(tags, h.deliverJob(t, h.dueJob(t)))
	}

	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), maxInFlight.Load())
	assert.Equal(t, 2, h.processor.callCount())

	close(release)
	for _, tag := range tags {
		assert.True(t, h.waitAck(t, tag).acked)
	}
	assert.Equal(t, int32(2), maxInFlight.Load())
	assert.Equal(t, 3, h.processor.callCount())
}

func TestWorker_OpaqueJobIDIsProcessed(t *testing.T) {
	h := newHarness(t, &fakeProcessor{})
	job := h.dueJobWithID(t, "A")

	res := h.waitAck(t, h.deliverJob(t, job))
	assert.True(t, res.acked)

	h.processor.mu.Lock()
	assert.Equal(t, []string{"A"}, h.processor.calls)
	h.processor.mu.Unlock()

	state, err := h.queue.GetState(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, state)
}

func TestWorker_ActivateFailureLeavesJobForRecovery(t *testing.T) {
	h := newHarness(t, &fakeProcessor{})
	job := h.dueJob(t)

	h.redis.Close()
	res := h.waitAck(t, h.deliverJob(t, job))
	assert.True(t, res.acked)
	assert.False(t, res.requeue)
	assert.Equal(t, 0, h.processor.callCount())

	require.NoError(t, h.redis.Restart())
	state, err := h.queue.GetState(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, state)
}

func TestWorker_StopsOnCancel(t *testing.T) {
	h := newHarness(t, &fakeProcessor{})
	h.cancel()

	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	h.source.mu.Lock()
	defer h.source.mu.Unlock()
	assert.True(t, h.source.cancelled)
}

func TestWorker_ReturnsWhenBrokerClosesDeliveries(t *testing.T) {
	h := newHarness(t, &fakeProcessor{})
	close(h.source.deliveries)

	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, errDeliveriesClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
