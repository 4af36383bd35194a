// Package layout captures the fixed cluster geometry: which ranks are
// servers, which server owns a worker, and which server owns a datum id.
package layout

import "fmt"

// Layout describes a cluster of Size ranks of which the last Servers act
// as servers. It is immutable after creation and shared by every
// component on a rank.
type Layout struct {
	// Size is the total number of ranks in the cluster.
	Size int

	// Servers is the number of server ranks. Servers occupy the highest
	// ranks: [Size-Servers, Size).
	Servers int

	// Workers is Size - Servers. Workers occupy ranks [0, Workers).
	Workers int

	// Rank is this process's rank.
	Rank int

	// Master is the rank of the master server, the lowest server rank.
	// It drives idle detection and collects failure codes.
	Master int
}

// New validates the geometry and returns the layout for one rank.
func New(size, servers, rank int) (*Layout, error) {
	if servers <= 0 || servers >= size {
		return nil, fmt.Errorf("layout: %d servers in a cluster of %d", servers, size)
	}
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("layout: rank %d out of range [0,%d)", rank, size)
	}
	return &Layout{
		Size:    size,
		Servers: servers,
		Workers: size - servers,
		Rank:    rank,
		Master:  size - servers,
	}, nil
}

// IsServer reports whether rank is a server rank.
func (l *Layout) IsServer(rank int) bool {
	return rank >= l.Workers
}

// AmServer reports whether this rank is a server.
func (l *Layout) AmServer() bool { return l.IsServer(l.Rank) }

// HomeServer returns the server rank that owns the given rank. Servers own
// themselves.
func (l *Layout) HomeServer(rank int) int {
	if l.IsServer(rank) {
		return rank
	}
	return l.Workers + rank%l.Servers
}

// Locate returns the server rank owning datum id. Negative ids are legal
// and distribute the same way: id -1 maps to the last server, -Servers to
// the first.
func (l *Layout) Locate(id int64) int {
	offset := int(id % int64(l.Servers))
	if offset < 0 {
		offset += l.Servers
	}
	return l.Workers + offset
}

// ServerIndex returns the position of a server rank among the servers.
func (l *Layout) ServerIndex(rank int) int {
	return rank - l.Workers
}

// WorkerIndex returns a dense index for a worker belonging to this
// server, usable as an array subscript.
func (l *Layout) WorkerIndex(rank int) int {
	return rank / l.Servers
}

// MyWorkers returns the number of workers homed at the given server rank.
func (l *Layout) MyWorkers(server int) int {
	idx := l.ServerIndex(server)
	n := l.Workers / l.Servers
	if idx < l.Workers%l.Servers {
		n++
	}
	return n
}
