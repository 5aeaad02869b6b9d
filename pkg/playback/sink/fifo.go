// ABOUTME: Submitted-buffer FIFO shared by the device-backed sinks
// ABOUTME: Tracks partial consumption and reports fully consumed buffer ids
package sink

import "sync"

type segment struct {
	id   int
	data []byte
	off  int
}

// fifo queues submitted buffers until a device has read them
type fifo struct {
	mu       sync.Mutex
	segs     []*segment
	bitDepth int
	volume   float64
}

func newFIFO(bitDepth int) *fifo {
	return &fifo{bitDepth: bitDepth, volume: 1}
}

func (q *fifo) push(id int, data []byte) {
	q.mu.Lock()
	q.segs = append(q.segs, &segment{id: id, data: data})
	q.mu.Unlock()
}

func (q *fifo) setVolume(level float64) {
	q.mu.Lock()
	q.volume = level
	q.mu.Unlock()
}

// read copies queued bytes into out, applies the volume, and returns the byte
// count plus the ids of buffers that were fully consumed
func (q *fifo) read(out []byte) (int, []int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	var done []int
	for n < len(out) && len(q.segs) > 0 {
		seg := q.segs[0]
		c := copy(out[n:], seg.data[seg.off:])
		seg.off += c
		n += c
		if seg.off == len(seg.data) {
			done = append(done, seg.id)
			q.segs = q.segs[1:]
		}
	}

	scale(out[:n], q.bitDepth, q.volume)
	return n, done
}

// drain drops everything and returns the dropped ids in submit order
func (q *fifo) drain() []int {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]int, 0, len(q.segs))
	for _, seg := range q.segs {
		ids = append(ids, seg.id)
	}
	q.segs = nil
	return ids
}

func (q *fifo) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.segs)
}

// complete reports ids to done in order
func complete(done func(int), ids []int) {
	for _, id := range ids {
		done(id)
	}
}
