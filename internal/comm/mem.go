package comm

import (
	"fmt"
	"sync"
)

// Mesh is an in-process transport: one mailbox per rank, fully connected.
// Each rank runs in its own goroutine; the mesh is the only shared object
// and is internally synchronized.
type Mesh struct {
	boxes []*mailbox
}

// NewMesh creates a mesh of n ranks.
func NewMesh(n int) *Mesh {
	m := &Mesh{boxes: make([]*mailbox, n)}
	for i := range m.boxes {
		b := &mailbox{}
		b.cond = sync.NewCond(&b.mu)
		m.boxes[i] = b
	}
	return m
}

// Port returns the Transport endpoint for one rank.
func (m *Mesh) Port(rank int) Transport {
	return &port{mesh: m, rank: rank}
}

type envelope struct {
	src  int
	tag  Tag
	data []byte
	// ack, when non-nil, is closed once the envelope has been consumed by
	// a Recv; the synchronous sender blocks on it.
	ack chan struct{}
}

type mailbox struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []*envelope
}

func (b *mailbox) push(e *envelope) {
	b.mu.Lock()
	b.queue = append(b.queue, e)
	b.cond.Broadcast()
	b.mu.Unlock()
}

// match returns the index of the first queued envelope from the given
// source (or any) with the given tag, or -1. Queue order preserves
// per-(src, tag) FIFO delivery.
func (b *mailbox) match(from int, tag Tag) int {
	for i, e := range b.queue {
		if e.tag == tag && (from == AnySource || e.src == from) {
			return i
		}
	}
	return -1
}

type port struct {
	mesh *Mesh
	rank int
}

func (p *port) Rank() int { return p.rank }
func (p *port) Size() int { return len(p.mesh.boxes) }

func (p *port) box(rank int) (*mailbox, error) {
	if rank < 0 || rank >= len(p.mesh.boxes) {
		return nil, fmt.Errorf("rank %d out of range [0,%d)", rank, len(p.mesh.boxes))
	}
	return p.mesh.boxes[rank], nil
}

func (p *port) Send(to int, tag Tag, data []byte) error {
	b, err := p.box(to)
	if err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	b.push(&envelope{src: p.rank, tag: tag, data: buf})
	return nil
}

func (p *port) SSend(to int, tag Tag, data []byte) error {
	b, err := p.box(to)
	if err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	e := &envelope{src: p.rank, tag: tag, data: buf, ack: make(chan struct{})}
	b.push(e)
	<-e.ack
	return nil
}

func (p *port) Recv(from int, tag Tag) (Message, error) {
	b, err := p.box(p.rank)
	if err != nil {
		return Message{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if i := b.match(from, tag); i >= 0 {
			e := b.queue[i]
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			if e.ack != nil {
				close(e.ack)
			}
			return Message{Source: e.src, Tag: e.tag, Data: e.data}, nil
		}
		b.cond.Wait()
	}
}

func (p *port) Probe(from int, tag Tag) (int, error) {
	b, err := p.box(p.rank)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if i := b.match(from, tag); i >= 0 {
			return b.queue[i].src, nil
		}
		b.cond.Wait()
	}
}

func (p *port) Iprobe(from int, tag Tag) (bool, int, error) {
	b, err := p.box(p.rank)
	if err != nil {
		return false, 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.match(from, tag); i >= 0 {
		return true, b.queue[i].src, nil
	}
	return false, 0, nil
}
