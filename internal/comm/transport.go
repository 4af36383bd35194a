package comm

// AnySource matches any sending rank in Recv, Probe and Iprobe.
const AnySource = -1

// Message is a received point-to-point message.
type Message struct {
	Source int
	Tag    Tag
	Data   []byte
}

// Transport is the messaging contract the runtime requires. Messages
// between a fixed (source, tag) pair are non-overtaking; delivery is
// reliable.
//
// Every method may be called only from the goroutine that owns the rank;
// the transport itself must be safe for concurrent use across ranks.
type Transport interface {
	// Rank returns this endpoint's rank.
	Rank() int

	// Size returns the total number of ranks.
	Size() int

	// Send delivers data to the given rank and tag. It may buffer; it
	// does not wait for the receiver.
	Send(to int, tag Tag, data []byte) error

	// SSend delivers data synchronously: it returns only after the
	// receiver has matched the message with a Recv. The redirect path
	// uses this to order payload transfer per (putter, target).
	SSend(to int, tag Tag, data []byte) error

	// Recv blocks until a message with the given tag arrives from the
	// given rank (or from anywhere when from is AnySource) and returns
	// it.
	Recv(from int, tag Tag) (Message, error)

	// Probe blocks until a matching message is available and returns its
	// source without consuming it.
	Probe(from int, tag Tag) (int, error)

	// Iprobe reports whether a matching message is available, and from
	// whom, without consuming or blocking.
	Iprobe(from int, tag Tag) (bool, int, error)
}
