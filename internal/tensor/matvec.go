package tensor

import (
	"runtime"
	"sync"

	"github.com/embee-go/embee/internal/weights"
)

type matVecTask struct {
	dst    []float32
	w      *Mat
	x      []float32
	rs, re int
	done   chan struct{}
}

type matVecPool struct {
	size      int
	tasks     chan matVecTask
	doneSlots chan chan struct{}
}

var matVecWorkPool *matVecPool

var matVecPoolOnce sync.Once

func getMatVecPool() *matVecPool {
	matVecPoolOnce.Do(func() {
		matVecWorkPool = newMatVecPool()
	})
	return matVecWorkPool
}

func newMatVecPool() *matVecPool {
	size := max(runtime.GOMAXPROCS(0), 1)
	p := &matVecPool{
		size:      size,
		tasks:     make(chan matVecTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, size)
	}
	for range size {
		go func() {
			// each worker owns its row decode buffer
			var scratch []float32
			for task := range p.tasks {
				if cap(scratch) < task.w.C {
					scratch = make([]float32, task.w.C)
				}
				matVecRange(task.dst, task.w, task.x, task.rs, task.re, scratch[:task.w.C])
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// MatVec computes dst = w * x. Rows are split across a shared worker pool;
// MatVec returns only after every row is written.
func MatVec(dst []float32, w *Mat, x []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec shape mismatch")
	}
	x = x[:w.C]

	pool := getMatVecPool()
	workers := min(pool.size, w.R)
	// Small matrices are not worth the hand-off.
	if workers <= 1 || w.R*w.C < 4096 {
		matVecRange(dst, w, x, 0, w.R, make([]float32, w.C))
		return
	}

	chunk := (w.R + workers - 1) / workers
	done := <-pool.doneSlots

	active := 0
	for i := range workers {
		rs := i * chunk
		re := min(rs+chunk, w.R)
		if rs >= re {
			break
		}
		active++
		pool.tasks <- matVecTask{dst: dst, w: w, x: x, rs: rs, re: re, done: done}
	}
	for range active {
		<-done
	}
	pool.doneSlots <- done
}

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int, scratch []float32) {
	for i := rs; i < re; i++ {
		dst[i] = weights.Dot(w.W, i, x, scratch)
	}
}
