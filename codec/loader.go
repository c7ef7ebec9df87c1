package codec

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wavecap/wavecap/waveform"
)

// progressPollInterval is how often the coordinator aggregates worker
// progress. The sleep keeps the coordinator from starving the decode workers.
const progressPollInterval = 50 * time.Millisecond

const readBlockSize = 1 << 20

// LoadTask describes one sample file to decode. Channel/stream pairs never
// alias, so tasks are fully independent.
type LoadTask struct {
	Path   string
	Kind   waveform.Kind
	Format string
}

// LoadResult carries the decoded buffer or the per-stream failure. A failed
// stream never aborts its siblings.
type LoadResult struct {
	Buffer *waveform.Buffer
	Err    error
}

// ProgressFunc receives the aggregate progress fraction in [0,1].
type ProgressFunc func(frac float64)

// LoadStreams decodes every task concurrently, one worker per stream. Each
// worker owns its output buffer exclusively; no cross-worker synchronization
// exists because no two tasks write the same stream. The calling goroutine
// acts as coordinator: it polls per-worker progress counters at a throttled
// cadence and reports a single aggregate fraction, then joins all workers
// before returning.
func LoadStreams(tasks []LoadTask, progress ProgressFunc) []LoadResult {
	results := make([]LoadResult, len(tasks))
	if len(tasks) == 0 {
		return results
	}

	permille := make([]uint64, len(tasks))
	var done uint64

	var wg sync.WaitGroup
	for i := range tasks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer atomic.AddUint64(&done, 1)
			defer atomic.StoreUint64(&permille[i], 1000)

			data, err := readFileWithProgress(tasks[i].Path, &permille[i])
			if err != nil {
				results[i].Err = err
				return
			}
			results[i].Buffer, results[i].Err = Decode(data, tasks[i].Kind, tasks[i].Format)
		}(i)
	}

	for atomic.LoadUint64(&done) < uint64(len(tasks)) {
		if progress != nil {
			progress(aggregate(permille))
		}
		time.Sleep(progressPollInterval)
	}
	wg.Wait()

	if progress != nil {
		progress(1)
	}
	return results
}

func aggregate(permille []uint64) float64 {
	var sum uint64
	for i := range permille {
		sum += atomic.LoadUint64(&permille[i])
	}
	return float64(sum) / float64(len(permille)*1000)
}

func readFileWithProgress(path string, permille *uint64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	buf := make([]byte, size)

	var off int64
	for off < size {
		block := int64(readBlockSize)
		if size-off < block {
			block = size - off
		}
		n, err := io.ReadFull(f, buf[off:off+block])
		off += int64(n)
		if err != nil {
			return nil, err
		}
		atomic.StoreUint64(permille, uint64(off*1000/size))
	}
	return buf, nil
}
