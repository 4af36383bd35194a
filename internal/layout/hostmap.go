package layout

import (
	"fmt"
	"os"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// HostmapMode selects how much of the hostname map is retained after
// startup.
type HostmapMode int

const (
	// HostmapEnabled keeps the full hostname → ranks map.
	HostmapEnabled HostmapMode = iota
	// HostmapLeaders keeps only enough to elect one leader per host.
	HostmapLeaders
	// HostmapDisabled skips hostname gathering entirely.
	HostmapDisabled
)

// GetHostmapMode reads the hostmap configuration from the environment.
// ADLB_DISABLE_HOSTMAP=1 forces HostmapDisabled; otherwise
// ADLB_HOSTMAP_MODE selects ENABLED (default), LEADERS or DISABLED.
func GetHostmapMode() (HostmapMode, error) {
	if os.Getenv("ADLB_DISABLE_HOSTMAP") == "1" {
		return HostmapDisabled, nil
	}
	m := os.Getenv("ADLB_HOSTMAP_MODE")
	switch m {
	case "", "ENABLED":
		return HostmapEnabled, nil
	case "LEADERS":
		return HostmapLeaders, nil
	case "DISABLED":
		return HostmapDisabled, nil
	}
	return HostmapEnabled, fmt.Errorf("unknown setting: ADLB_HOSTMAP_MODE=%s", m)
}

// Hostmap maps hostname to the ranks running on that host.
type Hostmap struct {
	ranks map[string][]int
}

// NewHostmap builds the map from the gathered per-rank hostnames, where
// names[r] is the hostname of rank r.
func NewHostmap(names []string) *Hostmap {
	h := &Hostmap{ranks: make(map[string][]int)}
	for rank, name := range names {
		h.ranks[name] = append(h.ranks[name], rank)
	}
	return h
}

// Lookup returns at most max ranks running on the named host.
func (h *Hostmap) Lookup(name string, max int) []int {
	ranks := h.ranks[name]
	if max >= 0 && len(ranks) > max {
		ranks = ranks[:max]
	}
	return ranks
}

// Hosts returns the hostnames in sorted order.
func (h *Hostmap) Hosts() []string {
	hosts := maps.Keys(h.ranks)
	slices.Sort(hosts)
	return hosts
}

// Size returns the number of distinct hosts.
func (h *Hostmap) Size() int { return len(h.ranks) }

// Leaders elects one leader per host: the lowest-ranked worker on that
// host. Hosts running only servers elect nobody.
func (h *Hostmap) Leaders(l *Layout) []int {
	var leaders []int
	for _, host := range h.Hosts() {
		for _, rank := range h.ranks[host] {
			if !l.IsServer(rank) {
				leaders = append(leaders, rank)
				break
			}
		}
	}
	slices.Sort(leaders)
	return leaders
}
