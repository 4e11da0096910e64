package router

import (
	"fmt"
	"time"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/pkg/health"
)

// Candidate is a replica eligible for a read.
type Candidate struct {
	Alias  config.Alias
	Status health.Status
}

// Weigher assigns a relative selection weight to a candidate. The alias
// weight from the configuration is applied on top.
type Weigher interface {
	Weight(c Candidate) float64
}

// UniformWeigher gives every candidate the same weight.
type UniformWeigher struct{}

func (UniformWeigher) Weight(Candidate) float64 { return 1 }

// LatencyWeigher weighs candidates by the inverse of their probe latency.
// Latencies below Floor are raised to it so that one very fast probe does
// not take all the traffic.
type LatencyWeigher struct {
	Floor time.Duration
}

func (w LatencyWeigher) Weight(c Candidate) float64 {
	floor := w.Floor
	if floor <= 0 {
		floor = time.Millisecond
	}
	latency := max(c.Status.Latency, floor)
	return 1 / latency.Seconds()
}

// NewWeigher returns the weigher for a router.weighting value.
func NewWeigher(name string) (Weigher, error) {
	switch name {
	case "", "uniform":
		return UniformWeigher{}, nil
	case "latency":
		return LatencyWeigher{Floor: time.Millisecond}, nil
	default:
		return nil, fmt.Errorf("unknown router weighting %q", name)
	}
}
