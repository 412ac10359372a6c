package optimize

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/wire"
	"github.com/stretchr/testify/require"
)

const hop mesh.NodeID = "b0b0b0b0b0b0b0b0"

type recorder struct {
	batches [][]string
	lk      sync.Mutex
}

func (r *recorder) flush(_ context.Context, _ mesh.NodeID, frames [][]byte) []Result {
	r.lk.Lock()
	defer r.lk.Unlock()
	batch := make([]string, len(frames))
	results := make([]Result, len(frames))
	for i, f := range frames {
		batch[i] = string(f)
		results[i] = Result{Reply: append([]byte("ack:"), f...)}
	}
	r.batches = append(r.batches, batch)
	return results
}

func (r *recorder) snapshot() [][]string {
	r.lk.Lock()
	defer r.lk.Unlock()
	return append([][]string(nil), r.batches...)
}

func TestBatcherGroupsWithinWindow(t *testing.T) {
	rec := &recorder{}
	b, err := NewBatcher(BatcherConfig{Window: 50 * time.Millisecond, MaxBatch: 10}, rec.flush)
	require.NoError(t, err)
	defer b.Close()

	var wg sync.WaitGroup
	replies := make([]string, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := b.Submit(context.Background(), hop, []byte(fmt.Sprint(i)), time.Time{})
			if err == nil {
				replies[i] = string(reply)
			}
		}()
		// Keep the submission order deterministic.
		require.Eventually(t, func() bool { return b.Pending(hop) == i+1 }, time.Second, time.Millisecond)
	}
	wg.Wait()

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	require.Equal(t, []string{"0", "1", "2"}, batches[0], "order preserved within the batch")
	require.Equal(t, []string{"ack:0", "ack:1", "ack:2"}, replies)
	require.Equal(t, 0, b.Pending(hop))
}

func TestBatcherMaxBatch(t *testing.T) {
	rec := &recorder{}
	b, err := NewBatcher(BatcherConfig{Window: time.Hour, MaxBatch: 2}, rec.flush)
	require.NoError(t, err)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Submit(context.Background(), hop, []byte("x"), time.Time{})
			require.NoError(t, err)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("full batch was not flushed")
	}
	require.Len(t, rec.snapshot(), 1)
}

func TestBatcherHonoursDeadline(t *testing.T) {
	rec := &recorder{}
	var flushedAt []time.Time
	b, err := NewBatcher(BatcherConfig{Window: time.Hour}, func(ctx context.Context, hop mesh.NodeID, frames [][]byte) []Result {
		flushedAt = append(flushedAt, time.Now())
		return rec.flush(ctx, hop, frames)
	})
	require.NoError(t, err)
	defer b.Close()

	t.Run("an urgent frame leaves before its deadline", func(t *testing.T) {
		deadline := time.Now().Add(100 * time.Millisecond)
		_, err := b.Submit(context.Background(), hop, []byte("urgent"), deadline)
		require.NoError(t, err)
		require.Len(t, flushedAt, 1)
		require.True(t, flushedAt[0].Before(deadline), "flushed %s after the deadline", flushedAt[0].Sub(deadline))
		require.Less(t, time.Until(deadline), 60*time.Millisecond, "the frame waited for company")
	})

	t.Run("an urgent frame takes the queue with it", func(t *testing.T) {
		lazy := make(chan error, 1)
		go func() {
			_, err := b.Submit(context.Background(), hop, []byte("lazy"), time.Time{})
			lazy <- err
		}()
		require.Eventually(t, func() bool { return b.Pending(hop) == 1 }, time.Second, time.Millisecond)

		deadline := time.Now().Add(40 * time.Millisecond)
		_, err := b.Submit(context.Background(), hop, []byte("urgent"), deadline)
		require.NoError(t, err)
		require.NoError(t, <-lazy)
		require.True(t, flushedAt[len(flushedAt)-1].Before(deadline))
		require.Equal(t, []string{"lazy", "urgent"}, rec.snapshot()[len(rec.snapshot())-1])
	})

	t.Run("a late frame is not held", func(t *testing.T) {
		start := time.Now()
		_, err := b.Submit(context.Background(), hop, []byte("late"), start.Add(-time.Second))
		require.NoError(t, err)
		require.Less(t, time.Since(start), 100*time.Millisecond)
	})
}

func TestBatcherCancelWithdraws(t *testing.T) {
	rec := &recorder{}
	b, err := NewBatcher(BatcherConfig{Window: 200 * time.Millisecond}, rec.flush)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Submit(ctx, hop, []byte("dropped"), time.Time{})
	require.ErrorIs(t, err, mesh.ErrOperationCancelled)
	require.Equal(t, 0, b.Pending(hop))

	time.Sleep(250 * time.Millisecond)
	require.Empty(t, rec.snapshot(), "withdrawn frame is never sent")
}

func TestBatcherClose(t *testing.T) {
	block := make(chan struct{})
	b, err := NewBatcher(BatcherConfig{Window: time.Hour}, func(context.Context, mesh.NodeID, [][]byte) []Result {
		<-block
		return nil
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Submit(context.Background(), hop, []byte("queued"), time.Time{})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return b.Pending(hop) == 1 }, time.Second, time.Millisecond)

	close(block)
	require.NoError(t, b.Close())
	require.ErrorIs(t, <-errCh, ErrBatcherClosed)

	_, err = b.Submit(context.Background(), hop, []byte("late"), time.Time{})
	require.ErrorIs(t, err, ErrBatcherClosed)
}

func TestCompressor(t *testing.T) {
	c, err := NewCompressor(64, 1<<20, nil)
	require.NoError(t, err)
	defer c.Close()

	small := wire.NewEnvelope(&wire.Data{Body: []byte("tiny")}, "a", "b")
	require.False(t, c.Compress(small))

	body := bytes.Repeat([]byte("noodle "), 200)
	env := wire.NewEnvelope(&wire.Data{Body: body}, "a", "b")
	original := bytes.Clone(env.Payload)
	require.True(t, c.Compress(env))
	require.Equal(t, wire.CompressionZstd, env.Compression)
	require.Less(t, len(env.Payload), len(original))

	decoded, err := wire.Unmarshal(env.Marshal())
	require.NoError(t, err)
	require.NoError(t, c.Decompress(decoded))
	require.Equal(t, original, decoded.Payload)
	require.Equal(t, wire.CompressionNone, decoded.Compression)

	garbage := &wire.Envelope{Compression: wire.CompressionZstd, Payload: []byte("not zstd")}
	require.ErrorIs(t, c.Decompress(garbage), ErrDecompress)
}

func TestLinkStats(t *testing.T) {
	s := NewLinkStats(0.5, nil)
	_, ok := s.Latency(hop)
	require.False(t, ok)

	s.ObserveRTT(hop, 10*time.Millisecond)
	s.ObserveRTT(hop, 20*time.Millisecond)
	lat, ok := s.Latency(hop)
	require.True(t, ok)
	require.Equal(t, 15*time.Millisecond, lat)
	require.InDelta(t, 15.0, s.Latencies()[hop], 1e-9)

	s.ObserveBytes(hop, 100, 40)
	snap := s.Snapshot()[hop]
	require.Equal(t, uint64(100), snap.BytesSent)
	require.Equal(t, uint64(40), snap.BytesRecv)

	s.Forget(hop)
	_, ok = s.Latency(hop)
	require.False(t, ok)

	s.Restore(map[mesh.NodeID]float64{hop: 3})
	lat, _ = s.Latency(hop)
	require.Equal(t, 3*time.Millisecond, lat)
}
