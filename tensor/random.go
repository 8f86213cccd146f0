package tensor

import (
	"math/rand"
	"sync"
	"time"
)

var rng = rand.New(rand.NewSource(time.Now().UnixNano()))
var rngLock sync.Mutex

// Seed re-seeds the package RNG; training runs call this once so parameter
// initialization is reproducible.
func Seed(seed int64) {
	rngLock.Lock()
	rng = rand.New(rand.NewSource(seed))
	rngLock.Unlock()
}

func Randn(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	data := make([]float32, size)
	rngLock.Lock()
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	rngLock.Unlock()
	return MustNew(data, shape...)
}
