package logstream

import (
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/loykin/inferd/internal/metrics"
)

// Stream identifies which output pipe a line came from. Lines are ordered
// within a stream; no ordering is defined across stdout and stderr.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one captured line of server output.
type Line struct {
	Stream Stream    `json:"stream"`
	Time   time.Time `json:"time"`
	Text   string    `json:"text"`
}

// Broadcaster fans captured server output out to any number of subscribers.
//
// Each subscriber owns a bounded channel; when a subscriber falls behind the
// oldest buffered line is dropped to make room for the new one, so a slow
// consumer can never block the readers or another subscriber. A small ring
// buffer replays the most recent lines to late joiners.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Line
	nextID int
	ring   []Line
	ringN  int
	closed bool

	wg sync.WaitGroup
}

// DefaultSubscriberBuffer is the per-subscriber channel capacity used when a
// subscriber asks for a non-positive buffer size.
const DefaultSubscriberBuffer = 256

// New creates a Broadcaster that retains the last ringN lines for late
// joiners. ringN <= 0 disables replay.
func New(ringN int) *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Line), ringN: ringN}
}

// Attach drains r line by line, publishing each line tagged with stream.
// When mirror is non-nil every raw line is also written to it (the rotating
// on-disk capture); the mirror is closed when the stream ends. One Attach per
// stream keeps per-stream ordering; the two streams drain concurrently.
func (b *Broadcaster) Attach(stream Stream, r io.Reader, mirror io.WriteCloser) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if mirror != nil {
			defer func() { _ = mirror.Close() }()
		}
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			text := sc.Text()
			if mirror != nil {
				_, _ = mirror.Write(append([]byte(text), '\n'))
			}
			b.Publish(Line{Stream: stream, Time: time.Now(), Text: text})
		}
	}()
}

// Publish delivers one line to every current subscriber and the ring buffer.
// It never blocks: a full subscriber loses its oldest buffered line.
func (b *Broadcaster) Publish(line Line) {
	metrics.IncLogLine(string(line.Stream))
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ringN > 0 {
		b.ring = append(b.ring, line)
		if len(b.ring) > b.ringN {
			b.ring = b.ring[len(b.ring)-b.ringN:]
		}
	}
	for _, ch := range b.subs {
		send(ch, line)
	}
}

// send enqueues without blocking, dropping the oldest buffered line on
// overflow.
func send(ch chan Line, line Line) {
	for {
		select {
		case ch <- line:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe registers a new subscriber with the given channel capacity
// (DefaultSubscriberBuffer when buf <= 0). The returned channel first carries
// the replayed ring buffer, then live lines. cancel removes the subscriber
// and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe(buf int) (<-chan Line, func()) {
	if buf <= 0 {
		buf = DefaultSubscriberBuffer
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Line, buf)
	for _, line := range b.ring {
		send(ch, line)
	}
	if !b.closed {
		b.subs[id] = ch
	} else {
		close(ch)
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Recent returns a copy of the replay buffer.
func (b *Broadcaster) Recent() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Line, len(b.ring))
	copy(out, b.ring)
	return out
}

// Wait blocks until every attached stream has hit EOF, i.e. until the child's
// pipes have been fully drained.
func (b *Broadcaster) Wait() {
	b.wg.Wait()
}

// Close tears down all subscribers. Pending Attach goroutines keep feeding
// the ring buffer until their streams end.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
