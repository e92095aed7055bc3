package reconciler

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"network-access-backend/internal/model"
)

// outcome is what a single device check amounted to.
type outcome int

const (
	outcomeInSync outcome = iota
	outcomeRepaired
	outcomeSkipped
	outcomeFailed
)

// WorkerPool fans a pass out over a fixed number of workers. Every device is
// routed to the worker picked by hash(mac, subnet), so work for one key is
// always handled in order by the same goroutine.
type WorkerPool struct {
	size   int
	logger *zap.Logger
}

// NewWorkerPool creates a new worker pool. A size below one means one
// worker, i.e. a sequential pass.
func NewWorkerPool(size int, logger *zap.Logger) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{size: size, logger: logger}
}

// shard picks the worker for a device.
func (wp *WorkerPool) shard(mac string, subnetID int) int {
	h := fnv.New32a()
	h.Write([]byte(mac))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(subnetID)))
	return int(h.Sum32() % uint32(wp.size))
}

// Run hands every device to its worker and blocks until all of them have
// been processed or ctx is done. The returned tally is indexed by outcome.
func (wp *WorkerPool) Run(ctx context.Context, devices []model.Device, fn func(context.Context, *model.Device) outcome) map[outcome]int {
	queues := make([]chan *model.Device, wp.size)
	for i := range queues {
		queues[i] = make(chan *model.Device, wp.size)
	}

	var (
		mu    sync.Mutex
		tally = make(map[outcome]int)
		wg    sync.WaitGroup
	)
	for i := 0; i < wp.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for d := range queues[id] {
				if ctx.Err() != nil {
					continue
				}
				res := fn(ctx, d)
				mu.Lock()
				tally[res]++
				mu.Unlock()
			}
		}(i)
	}

dispatch:
	for i := range devices {
		d := &devices[i]
		q := queues[wp.shard(d.MACAddress, d.CurrentVLAN)]
		select {
		case q <- d:
		case <-ctx.Done():
			wp.logger.Info("Reconciliation pass interrupted", zap.Int("dispatched", i), zap.Int("total", len(devices)))
			break dispatch
		}
	}
	for _, q := range queues {
		close(q)
	}
	wg.Wait()
	return tally
}
