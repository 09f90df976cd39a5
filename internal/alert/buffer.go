package alert

import "log"

// bufferedMsg is a serialized message held for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer is a fixed-capacity FIFO for messages queued while the broker
// is unreachable. Oldest messages are dropped on overflow. Not safe for
// concurrent use; the publisher synchronizes.
type ringBuffer struct {
	msgs    []bufferedMsg
	start   int // index of the oldest message
	count   int
	dropped int // messages lost to overflow since the last drain
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{msgs: make([]bufferedMsg, capacity)}
}

func (r *ringBuffer) push(m bufferedMsg) {
	if r.count == len(r.msgs) {
		// Overwrite the oldest.
		r.msgs[r.start] = m
		r.start = (r.start + 1) % len(r.msgs)
		r.dropped++
		return
	}
	r.msgs[(r.start+r.count)%len(r.msgs)] = m
	r.count++
}

// drainAll returns the buffered messages oldest first and empties the
// buffer.
func (r *ringBuffer) drainAll() []bufferedMsg {
	if r.count == 0 {
		return nil
	}
	if r.dropped > 0 {
		log.Printf("alert: %d messages dropped while disconnected", r.dropped)
	}
	out := make([]bufferedMsg, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.msgs[(r.start+i)%len(r.msgs)]
	}
	r.start = 0
	r.count = 0
	r.dropped = 0
	return out
}

func (r *ringBuffer) len() int {
	return r.count
}
