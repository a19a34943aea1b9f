package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// chunkQueue is a single-producer, single-consumer chunk channel. With a
// zero limit it is unbounded and push never blocks. With a positive limit the
// oldest buffered chunk is discarded to make room, so push still never blocks.
type chunkQueue struct {
	mu      sync.Mutex
	chunks  [][]byte
	closed  bool
	limit   int
	dropped uint64
	signal  chan struct{}
}

func newChunkQueue(limit int) *chunkQueue {
	if limit < 0 {
		limit = 0
	}
	return &chunkQueue{limit: limit, signal: make(chan struct{}, 1)}
}

// push appends chunk and reports whether an older chunk was discarded.
func (q *chunkQueue) push(chunk []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	dropped := false
	if q.limit > 0 && len(q.chunks) >= q.limit {
		q.chunks[0] = nil
		q.chunks = q.chunks[1:]
		q.dropped++
		dropped = true
	}
	q.chunks = append(q.chunks, chunk)
	q.mu.Unlock()
	q.wake()
	return dropped
}

// close marks the end of the stream. Buffered chunks remain readable.
func (q *chunkQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *chunkQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// next blocks until a chunk is available, the queue is closed and drained
// (io.EOF), or ctx is done.
func (q *chunkQueue) next(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.chunks) > 0 {
			chunk := q.chunks[0]
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
			q.mu.Unlock()
			return chunk, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, io.EOF
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *chunkQueue) stats() (buffered int, dropped uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks), q.dropped
}

// Receiver is the consumer end of a session's output. It is handed out once
// per session.
type Receiver struct {
	queue   *chunkQueue
	pending []byte
}

// Next returns the next chunk of output. It returns io.EOF once the engine
// output has ended and every buffered chunk was delivered.
func (r *Receiver) Next(ctx context.Context) ([]byte, error) {
	if len(r.pending) > 0 {
		chunk := r.pending
		r.pending = nil
		return chunk, nil
	}
	return r.queue.next(ctx)
}

// Read implements io.Reader on top of Next without cancellation.
func (r *Receiver) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk, err := r.Next(context.Background())
	if err != nil {
		return 0, err
	}
	n := copy(p, chunk)
	if n < len(chunk) {
		r.pending = chunk[n:]
	}
	return n, nil
}

// Copy copies chunks to w until the output ends or ctx is done, calling
// flush after each chunk when it is non-nil.
func (r *Receiver) Copy(ctx context.Context, w io.Writer, flush func()) (int64, error) {
	var total int64
	for {
		chunk, err := r.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
		n, err := w.Write(chunk)
		total += int64(n)
		if err != nil {
			return total, err
		}
		if flush != nil {
			flush()
		}
	}
}
