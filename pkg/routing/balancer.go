package routing

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/raskyld/noodlenet/pkg/mesh"
)

// Strategy decides which of several equal-cost next hops carries a message.
type Strategy uint8

const (
	LeastLoaded Strategy = iota
	RoundRobin
	LowestLatency
	Weighted
)

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round_robin"
	case LowestLatency:
		return "lowest_latency"
	case Weighted:
		return "weighted"
	default:
		return "least_loaded"
	}
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStrategy accepts the configuration names of the strategies.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "least_loaded", "least-loaded":
		return LeastLoaded, nil
	case "round_robin", "round-robin":
		return RoundRobin, nil
	case "lowest_latency", "lowest-latency":
		return LowestLatency, nil
	case "weighted":
		return Weighted, nil
	default:
		return LeastLoaded, fmt.Errorf("%w: unknown load balancing strategy %q", ErrInvalidCfg, name)
	}
}

// HopInfo is what the balancer knows about a candidate next hop.
type HopInfo struct {
	Load     float64
	Capacity float64
	// Latency is our measured round trip to the hop, zero if unknown.
	Latency time.Duration
}

// LoadBalancer picks among equal-cost next hops. Candidates come best first
// so every strategy falls back to the first one on ties.
type LoadBalancer struct {
	strategy Strategy
	rand     *rand.Rand
	rr       map[mesh.NodeID]uint64
	lk       sync.Mutex
}

func NewLoadBalancer(strategy Strategy) *LoadBalancer {
	return &LoadBalancer{
		strategy: strategy,
		rand:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		rr:       make(map[mesh.NodeID]uint64),
	}
}

func (lb *LoadBalancer) Strategy() Strategy {
	return lb.strategy
}

// Pick returns the next hop towards dest among candidates.
func (lb *LoadBalancer) Pick(dest mesh.NodeID, candidates []mesh.NodeID, info func(mesh.NodeID) HopInfo) mesh.NodeID {
	switch len(candidates) {
	case 0:
		return ""
	case 1:
		return candidates[0]
	}

	switch lb.strategy {
	case RoundRobin:
		lb.lk.Lock()
		n := lb.rr[dest]
		lb.rr[dest] = n + 1
		lb.lk.Unlock()
		return candidates[n%uint64(len(candidates))]

	case LowestLatency:
		best := candidates[0]
		bestLat := info(best).Latency
		for _, c := range candidates[1:] {
			lat := info(c).Latency
			if lat > 0 && (bestLat == 0 || lat < bestLat) {
				best, bestLat = c, lat
			}
		}
		return best

	case Weighted:
		total := 0.0
		weights := make([]float64, len(candidates))
		for i, c := range candidates {
			weights[i] = max(info(c).Capacity, 0)
			total += weights[i]
		}
		if total == 0 {
			return candidates[0]
		}
		lb.lk.Lock()
		x := lb.rand.Float64() * total
		lb.lk.Unlock()
		for i, w := range weights {
			if x < w {
				return candidates[i]
			}
			x -= w
		}
		return candidates[len(candidates)-1]

	default:
		best := candidates[0]
		bestLoad := info(best).Load
		for _, c := range candidates[1:] {
			if load := info(c).Load; load < bestLoad {
				best, bestLoad = c, load
			}
		}
		return best
	}
}

// Forget drops the round-robin position of dest.
func (lb *LoadBalancer) Forget(dest mesh.NodeID) {
	lb.lk.Lock()
	defer lb.lk.Unlock()
	delete(lb.rr, dest)
}
