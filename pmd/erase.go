package pmd

import (
	"sync"

	"github.com/mpool-io/pmd/cmn/nlog"
	"github.com/mpool-io/pmd/ecio"
)

// eraseQueueDepth bounds the async erase workqueue named in spec.md
// §7 "Async erase": obj_abort/obj_delete enqueue the extent's erase
// and zone release rather than blocking the caller on it.
const eraseQueueDepth = 4096
const eraseWorkers = 4

type eraseJob struct {
	otype ObjType
	ld    ecio.LayoutDesc
}

// eraseWorkqueue runs the background erase/free workers; MDA.Close
// stops it via the teardown-hook mechanism (SPEC_FULL §4.I).
type eraseWorkqueue struct {
	ch   chan eraseJob
	wg   sync.WaitGroup // in-flight jobs, for drain
	done chan struct{}
}

func newEraseWorkqueue(ecio ExtentEngine) *eraseWorkqueue {
	q := &eraseWorkqueue{ch: make(chan eraseJob, eraseQueueDepth), done: make(chan struct{})}
	for i := 0; i < eraseWorkers; i++ {
		go q.run(ecio)
	}
	return q
}

func (q *eraseWorkqueue) run(ecio ExtentEngine) {
	for {
		select {
		case job, ok := <-q.ch:
			if !ok {
				return
			}
			q.process(ecio, job)
			q.wg.Done()
		case <-q.done:
			return
		}
	}
}

func (q *eraseWorkqueue) process(ecio ExtentEngine, job eraseJob) {
	var err error
	switch job.otype {
	case ObjTypeMblock:
		err = ecio.MblockErase(job.ld)
	case ObjTypeMlog:
		err = ecio.MlogErase(job.ld)
	}
	if err != nil {
		nlog.Errorf("pmd: async erase failed for pdh=%d zaddr=%d: %v", job.ld.PDH, job.ld.ZAddr, err)
	}
	if err := ecio.LayoutFree(job.ld.PDH, job.ld); err != nil {
		nlog.Errorf("pmd: async layout_free failed for pdh=%d zaddr=%d: %v", job.ld.PDH, job.ld.ZAddr, err)
	}
}

func (q *eraseWorkqueue) enqueue(otype ObjType, ld ecio.LayoutDesc) {
	q.wg.Add(1)
	select {
	case q.ch <- eraseJob{otype: otype, ld: ld}:
	default:
		// Queue saturated: hand the job to a goroutine that waits for
		// room in the queue rather than block the caller's lock chain
		// (spec.md §7 "Async erase" is best-effort, not a durability
		// guarantee).
		q.wg.Done()
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.ch <- eraseJob{otype: otype, ld: ld}
		}()
	}
}

func (q *eraseWorkqueue) drain() { q.wg.Wait() }

func (q *eraseWorkqueue) stop() { close(q.done) }

// enqueueErase hands a removed layout's extent to the erase workqueue,
// lazily starting it the first time it's needed (tests that never
// delete/abort an object never pay for it).
func (m *MDA) enqueueErase(l *Layout) {
	m.eraseOnce.Do(func() {
		m.eraseQ = newEraseWorkqueue(m.ecio)
		m.onTeardown(m.eraseQ.stop)
	})
	m.eraseQ.enqueue(l.Type(), l.LD())
}

// drainErase blocks until all currently queued erase jobs complete; the
// allocator calls this every few retries under zone pressure (spec.md
// §4.E step 7: "periodically flush the erase workqueue to reclaim
// space").
func (m *MDA) drainErase() {
	if m.eraseQ != nil {
		m.eraseQ.drain()
	}
}
