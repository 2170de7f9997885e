package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

func threePartPlan() *uploadtypes.TransferPlan {
	return &uploadtypes.TransferPlan{
		TotalBytes: 30,
		Parts: []uploadtypes.Part{
			{Index: 0, Range: uploadtypes.ByteRange{Start: 0, End: 10}},
			{Index: 1, Range: uploadtypes.ByteRange{Start: 10, End: 20}},
			{Index: 2, Range: uploadtypes.ByteRange{Start: 20, End: 30}},
		},
	}
}

type recorder struct {
	mu     sync.Mutex
	values []int64
}

func (r *recorder) fn(completed, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, completed)
}

func (r *recorder) snapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.values...)
}

func TestAggregator_MonotonicAcrossRetries(t *testing.T) {
	rec := &recorder{}
	a := NewAggregator(threePartPlan(), rec.fn)

	a.Report(0, 4)
	a.Report(1, 6)
	a.Report(0, 2) // part 0 restarted after a retry
	a.Report(0, 0)
	a.Report(0, 8)
	a.Complete(1)

	assert.Equal(t, []int64{4, 10, 14, 18}, rec.snapshot())
	assert.Equal(t, int64(18), a.Completed())
}

func TestAggregator_ClampsToPartSize(t *testing.T) {
	rec := &recorder{}
	a := NewAggregator(threePartPlan(), rec.fn)

	a.Report(2, 1000)
	a.Report(5, 1)
	a.Report(-1, 1)

	assert.Equal(t, []int64{10}, rec.snapshot())
}

func TestAggregator_DonePartsCountedUpFront(t *testing.T) {
	plan := threePartPlan()
	plan.Parts[0].State = uploadtypes.PartDone
	plan.Parts[2].State = uploadtypes.PartDone

	rec := &recorder{}
	a := NewAggregator(plan, rec.fn)
	a.Start()
	a.Start()
	a.Report(1, 5)

	assert.Equal(t, []int64{20, 25}, rec.snapshot())
}

func TestAggregator_SilentAfterClose(t *testing.T) {
	rec := &recorder{}
	a := NewAggregator(threePartPlan(), rec.fn)
	a.Report(0, 5)
	a.Close()
	a.Close()
	a.Report(0, 10)
	a.Start()

	assert.Equal(t, []int64{5}, rec.snapshot())
}

func TestAggregator_ConcurrentReports(t *testing.T) {
	rec := &recorder{}
	a := NewAggregator(threePartPlan(), rec.fn)

	var wg sync.WaitGroup
	for part := 0; part < 3; part++ {
		wg.Add(1)
		go func(part int) {
			defer wg.Done()
			for n := int64(1); n <= 10; n++ {
				a.Report(part, n)
			}
		}(part)
	}
	wg.Wait()

	values := rec.snapshot()
	require.NotEmpty(t, values)
	for i := 1; i < len(values); i++ {
		assert.Greater(t, values[i], values[i-1])
	}
	assert.Equal(t, int64(30), values[len(values)-1])
}

func TestMeter_SmoothedRate(t *testing.T) {
	now := time.Unix(0, 0)
	m := NewMeterWithNow(func() time.Time { return now })

	now = now.Add(time.Second)
	assert.InDelta(t, 100.0, m.Observe(100), 0.001)

	now = now.Add(time.Second)
	// 0.2*200 + 0.8*100
	assert.InDelta(t, 120.0, m.Observe(300), 0.001)

	// a lower count is ignored
	assert.InDelta(t, 120.0, m.Observe(250), 0.001)
	assert.InDelta(t, 120.0, m.Rate(), 0.001)
}

func event(phase uploadtypes.Phase, bytes int64) uploadtypes.ProgressEvent {
	return uploadtypes.ProgressEvent{Phase: phase, BytesCompleted: bytes, BytesTotal: 100}
}

func drain(s *Stream) []uploadtypes.ProgressEvent {
	var out []uploadtypes.ProgressEvent
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}

func TestStream_DropsStaleSamples(t *testing.T) {
	s := NewStream(16)
	assert.True(t, s.Publish(event(uploadtypes.PhaseTransferring, 10)))
	assert.False(t, s.Publish(event(uploadtypes.PhaseTransferring, 10)))
	assert.False(t, s.Publish(event(uploadtypes.PhaseTransferring, 5)))
	assert.True(t, s.Publish(event(uploadtypes.PhaseTransferring, 20)))
	assert.True(t, s.Publish(event(uploadtypes.PhaseFinalizing, 0)))
	s.Close()

	got := drain(s)
	require.Len(t, got, 3)
	assert.Equal(t, int64(20), got[2].BytesCompleted, "phase change keeps the byte count monotonic")
	assert.Equal(t, uploadtypes.PhaseFinalizing, got[2].Phase)
}

func TestStream_FullDropsOldest(t *testing.T) {
	s := NewStream(2)
	for i := int64(1); i <= 5; i++ {
		assert.True(t, s.Publish(event(uploadtypes.PhaseTransferring, i)))
	}
	s.Close()

	got := drain(s)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].BytesCompleted)
	assert.Equal(t, int64(5), got[1].BytesCompleted)
	assert.Equal(t, 3, s.Dropped())
}

func TestStream_PublishAfterClose(t *testing.T) {
	s := NewStream(1)
	s.Close()
	s.Close()
	assert.False(t, s.Publish(event(uploadtypes.PhaseCompleted, 100)))
}
