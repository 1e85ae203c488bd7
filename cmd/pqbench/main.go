// Command pqbench drives a fixed number of goroutines, each inserting an
// equal share of keys, then drains the queue from the same number of
// goroutines, and reports throughput for both phases. It exists to exercise pq.Queue and smr.Domain under genuine
// concurrency rather than to be a rigorous benchmark harness.
package main

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/Ratbuyer/pq/internal/cline"
	"github.com/Ratbuyer/pq/pq"
	"github.com/Ratbuyer/pq/smr"
)

const opsPerWorker = 200_000

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pqbench: failed to build logger: %v\n", err)
		return 2
	}
	defer logger.Sync()
	log := logger.Sugar()

	if len(args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <worker-count>\n", args[0])
		return 2
	}
	workers, err := strconv.Atoi(args[1])
	if err != nil || workers <= 0 {
		fmt.Fprintf(os.Stderr, "pqbench: worker count must be a positive integer, got %q\n", args[1])
		return 2
	}

	dom := smr.InitGC(smr.WithLogger(log))
	q := pq.New(4, dom, pq.WithLogger(log))

	// Per-worker op counters, cache-line padded so workers updating adjacent
	// counters never bounce the same cache line between cores.
	stride := cline.Size()
	counters, backing := cline.AlignedAlloc(uintptr(workers) * stride)
	_ = backing
	counterAt := func(i int) *uint64 {
		return (*uint64)(unsafe.Pointer(uintptr(counters) + uintptr(i)*stride))
	}

	insertStart := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			th := dom.Register()
			defer th.Deregister()
			base := uint64(id)*opsPerWorker + 1
			counter := counterAt(id)
			for i := uint64(0); i < opsPerWorker; i++ {
				key := base + i
				v := key
				q.Insert(th, key, unsafe.Pointer(&v))
				*counter++
			}
		}(w)
	}
	wg.Wait()
	insertElapsed := time.Since(insertStart)

	total := uint64(workers) * opsPerWorker
	insertRate := float64(total) / insertElapsed.Seconds() / 1e6
	log.Infow("insert phase complete", "ops", total, "elapsed", insertElapsed, "ops_per_us", insertRate)

	deleteStart := time.Now()
	var drained uint64
	var drainedMu sync.Mutex
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th := dom.Register()
			defer th.Deregister()
			n := uint64(0)
			for {
				if _, ok := q.DeleteMin(th); !ok {
					break
				}
				n++
			}
			drainedMu.Lock()
			drained += n
			drainedMu.Unlock()
		}()
	}
	wg.Wait()
	deleteElapsed := time.Since(deleteStart)

	deleteRate := float64(drained) / deleteElapsed.Seconds() / 1e6
	log.Infow("delete phase complete", "ops", drained, "elapsed", deleteElapsed, "ops_per_us", deleteRate)

	if drained != total {
		log.Errorw("drained count did not match inserted count", "drained", drained, "inserted", total)
		return 1
	}
	return 0
}
