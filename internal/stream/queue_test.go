package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestChunkQueueDeliversInOrderThenEOF(t *testing.T) {
	q := newChunkQueue(0)
	for _, chunk := range []string{"a", "b", "c"} {
		if dropped := q.push([]byte(chunk)); dropped {
			t.Fatalf("unbounded queue dropped %q", chunk)
		}
	}
	q.close()

	ctx := context.Background()
	var got []string
	for {
		chunk, err := q.next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got = append(got, string(chunk))
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected chunks: %v", got)
	}
}

func TestChunkQueueBoundedDropsOldest(t *testing.T) {
	q := newChunkQueue(2)
	q.push([]byte("1"))
	q.push([]byte("2"))
	if dropped := q.push([]byte("3")); !dropped {
		t.Fatal("expected oldest chunk to be dropped")
	}
	buffered, dropped := q.stats()
	if buffered != 2 || dropped != 1 {
		t.Fatalf("unexpected stats: buffered=%d dropped=%d", buffered, dropped)
	}
	chunk, err := q.next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(chunk) != "2" {
		t.Fatalf("expected chunk 2, got %q", chunk)
	}
}

func TestChunkQueuePushAfterCloseIgnored(t *testing.T) {
	q := newChunkQueue(0)
	q.close()
	q.push([]byte("late"))
	if _, err := q.next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestChunkQueueNextHonoursContext(t *testing.T) {
	q := newChunkQueue(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestChunkQueueWakesBlockedConsumer(t *testing.T) {
	q := newChunkQueue(0)
	result := make(chan []byte, 1)
	go func() {
		chunk, err := q.next(context.Background())
		if err != nil {
			close(result)
			return
		}
		result <- chunk
	}()

	time.Sleep(10 * time.Millisecond)
	q.push([]byte("late"))
	select {
	case chunk := <-result:
		if string(chunk) != "late" {
			t.Fatalf("unexpected chunk %q", chunk)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken")
	}
}

func TestReceiverReadSplitsChunks(t *testing.T) {
	q := newChunkQueue(0)
	q.push([]byte("hello"))
	q.push([]byte("world"))
	q.close()

	r := &Receiver{queue: q}
	data, err := io.ReadAll(readerFunc(func(p []byte) (int, error) {
		if len(p) > 3 {
			p = p[:3]
		}
		return r.Read(p)
	}))
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if string(data) != "helloworld" {
		t.Fatalf("unexpected data %q", data)
	}
}

func TestReceiverCopyFlushesEachChunk(t *testing.T) {
	q := newChunkQueue(0)
	q.push([]byte("ab"))
	q.push([]byte("cd"))
	q.close()

	r := &Receiver{queue: q}
	var buf bytes.Buffer
	flushes := 0
	n, err := r.Copy(context.Background(), &buf, func() { flushes++ })
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if n != 4 || buf.String() != "abcd" {
		t.Fatalf("unexpected copy result n=%d data=%q", n, buf.String())
	}
	if flushes != 2 {
		t.Fatalf("expected 2 flushes, got %d", flushes)
	}
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
