package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsched/scheduled-mailer/internal/config"
	"github.com/mailsched/scheduled-mailer/internal/queue"
	"github.com/mailsched/scheduled-mailer/shared/logger"
)

type fakeProcessor struct {
	mu    sync.Mutex
	calls []string
	fired chan string
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{fired: make(chan string, 10)}
}

func (p *fakeProcessor) Process(_ context.Context, messageID string) error {
	p.mu.Lock()
	p.calls = append(p.calls, messageID)
	p.mu.Unlock()
	p.fired <- messageID
	return nil
}

func (p *fakeProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func TestNew_SelectsBacking(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q := queue.New(client, queue.Options{KeyPrefix: "test:"}, logger.Discard())

	timer, err := New(config.SchedulerConfig{}, Deps{Pipeline: newFakeProcessor(), Logger: logger.Discard()})
	require.NoError(t, err)
	assert.IsType(t, &TimerScheduler{}, timer)
	_, ok := timer.(JobLister)
	assert.True(t, ok)

	durable, err := New(config.SchedulerConfig{UseDurableQueue: true}, Deps{Queue: q, Logger: logger.Discard()})
	require.NoError(t, err)
	assert.IsType(t, &QueueScheduler{}, durable)
	_, ok = durable.(JobLister)
	assert.False(t, ok)

	_, err = New(config.SchedulerConfig{UseDurableQueue: true}, Deps{Logger: logger.Discard()})
	assert.Error(t, err)

	_, err = New(config.SchedulerConfig{}, Deps{Logger: logger.Discard()})
	assert.Error(t, err)
}

func TestTimerScheduler_ScheduleThenCancel(t *testing.T) {
	processor := newFakeProcessor()
	s := NewTimerScheduler(processor, logger.Discard())
	ctx := context.Background()

	id, err := s.ScheduleJob(ctx, "m-1", time.Now().Add(60*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)

	assert.True(t, s.CancelJob(ctx, "m-1"))
	assert.False(t, s.CancelJob(ctx, "m-1"))
	assert.Empty(t, s.ListJobs())
	assert.Equal(t, 0, processor.callCount())
}

func TestTimerScheduler_RejectsPastDueTime(t *testing.T) {
	s := NewTimerScheduler(newFakeProcessor(), logger.Discard())
	ctx := context.Background()

	_, err := s.ScheduleJob(ctx, "m-1", time.Now().Add(-time.Minute))
	assert.ErrorIs(t, err, ErrInvalidScheduleTime)

	_, err = s.RescheduleJob(ctx, "m-1", time.Now().Add(-time.Minute))
	assert.ErrorIs(t, err, ErrInvalidScheduleTime)

	assert.Empty(t, s.ListJobs())
}

func TestTimerScheduler_RescheduleFiresAtNewTime(t *testing.T) {
	processor := newFakeProcessor()
	s := NewTimerScheduler(processor, logger.Discard())
	ctx := context.Background()
	start := time.Now()

	_, err := s.ScheduleJob(ctx, "m-1", start.Add(1*time.Second))
	require.NoError(t, err)

	id, err := s.RescheduleJob(ctx, "m-1", start.Add(100*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)

	select {
	case got := <-processor.fired:
		assert.Equal(t, "m-1", got)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(900 * time.Millisecond):
		t.Fatal("job did not fire at the rescheduled time")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, processor.callCount())
}

func TestTimerScheduler_RescheduleAfterFire(t *testing.T) {
	processor := newFakeProcessor()
	s := NewTimerScheduler(processor, logger.Discard())
	ctx := context.Background()

	_, err := s.ScheduleJob(ctx, "m-1", time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)
	<-processor.fired

	_, err = s.RescheduleJob(ctx, "m-1", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestTimerScheduler_Close(t *testing.T) {
	processor := newFakeProcessor()
	s := NewTimerScheduler(processor, logger.Discard())
	ctx := context.Background()

	for _, id := range []string{"m-1", "m-2"} {
		_, err := s.ScheduleJob(ctx, id, time.Now().Add(50*time.Millisecond))
		require.NoError(t, err)
	}

	require.NoError(t, s.Close(ctx))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, processor.callCount())
}
