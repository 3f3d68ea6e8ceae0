package taskloop

import "sync"

const jobChunkSize = 128

// jobChunk is a fixed-size segment of a jobQueue. Spent chunks are recycled
// through a pool so steady-state scheduling does not allocate.
type jobChunk struct {
	jobs [jobChunkSize]func()
	next *jobChunk
	head int
	tail int
}

var jobChunkPool = sync.Pool{New: func() any { return new(jobChunk) }}

func (c *jobChunk) reset() {
	c.next = nil
	c.head = 0
	c.tail = 0
}

// jobQueue is an unbounded FIFO of callbacks built from pooled fixed-size
// chunks. It is not safe for concurrent use; the owning loop guards it with
// its mutex.
type jobQueue struct {
	first *jobChunk
	last  *jobChunk
	size  int
}

func (q *jobQueue) push(fn func()) {
	if q.last == nil {
		c := jobChunkPool.Get().(*jobChunk)
		q.first, q.last = c, c
	} else if q.last.tail == jobChunkSize {
		c := jobChunkPool.Get().(*jobChunk)
		q.last.next = c
		q.last = c
	}
	q.last.jobs[q.last.tail] = fn
	q.last.tail++
	q.size++
}

func (q *jobQueue) pop() (func(), bool) {
	c := q.first
	if c == nil {
		return nil, false
	}
	fn := c.jobs[c.head]
	c.jobs[c.head] = nil
	c.head++
	q.size--
	if c.head == c.tail {
		// spent: a non-tail chunk is always full, the tail chunk is empty
		q.first = c.next
		if q.first == nil {
			q.last = nil
		}
		c.reset()
		jobChunkPool.Put(c)
	}
	return fn, true
}

func (q *jobQueue) len() int {
	return q.size
}

// clear drops all queued callbacks without running them.
func (q *jobQueue) clear() {
	for {
		if _, ok := q.pop(); !ok {
			return
		}
	}
}
