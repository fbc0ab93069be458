package utils

import (
	"math"
	"math/rand"
	"time"
)

// RandSource is a seeded random stream. It is not safe for concurrent use;
// each stream has a single owner.
type RandSource struct {
	seed int64
	rng  *rand.Rand
}

// NewRandSource creates a new random source with the given seed. A zero
// seed is replaced by the current time.
func NewRandSource(seed int64) *RandSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandSource{
		seed: seed,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Seed returns the seed the stream was created with.
func (r *RandSource) Seed() int64 {
	return r.seed
}

// Derive returns an independent stream determined only by the parent seed
// and key. The parent stream is not advanced.
func (r *RandSource) Derive(key int64) *RandSource {
	mixed := splitmix64(uint64(r.seed) ^ (uint64(key) * 0x9e3779b97f4a7c15))
	s := int64(mixed &^ (1 << 63))
	if s == 0 {
		s = 1
	}
	return NewRandSource(s)
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// Float64 returns a random float64 in [0.0, 1.0)
func (r *RandSource) Float64() float64 {
	return r.rng.Float64()
}

// Intn returns a random int in [0, n)
func (r *RandSource) Intn(n int) int {
	return r.rng.Intn(n)
}

// Int63n returns a random int64 in [0, n)
func (r *RandSource) Int63n(n int64) int64 {
	return r.rng.Int63n(n)
}

// NormFloat64 returns a normally distributed random number with mean and stddev
func (r *RandSource) NormFloat64(mean, stddev float64) float64 {
	return r.rng.NormFloat64()*stddev + mean
}

// UniformFloat64 returns a uniformly distributed random number in [min, max)
func (r *RandSource) UniformFloat64(min, max float64) float64 {
	return min + r.rng.Float64()*(max-min)
}

// LogUniformFloat64 returns a log-uniform random number in [min, max).
// Both bounds must be positive.
func (r *RandSource) LogUniformFloat64(min, max float64) float64 {
	lo, hi := math.Log(min), math.Log(max)
	return math.Exp(lo + r.rng.Float64()*(hi-lo))
}
