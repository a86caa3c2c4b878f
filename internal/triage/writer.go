package triage

import (
	"fmt"
	"sync"
)

// Writer is the single goroutine allowed to mutate a Collection. Work is
// handed over with Do, which blocks until it has run, so callers see the
// effects immediately afterwards.
type Writer struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewWriter starts the writer goroutine.
func NewWriter() *Writer {
	w := &Writer{
		tasks: make(chan func()),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	go w.loop()

	return w
}

func (w *Writer) loop() {
	defer close(w.done)

	for {
		select {
		case fn := <-w.tasks:
			fn()
		case <-w.quit:
			return
		}
	}
}

// Do runs fn on the writer goroutine and waits for it. It reports false
// without running fn once the writer is closed. A panic in fn is re-raised
// in the caller. Do must not be called from inside fn.
func (w *Writer) Do(fn func()) bool {
	var recovered any

	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		defer func() { recovered = recover() }()

		fn()
	}

	select {
	case w.tasks <- task:
	case <-w.quit:
		return false
	}

	<-finished

	if recovered != nil {
		panic(fmt.Sprintf("triage: writer task panicked: %v", recovered))
	}

	return true
}

// Close stops the writer goroutine and waits for it to exit.
func (w *Writer) Close() {
	w.once.Do(func() { close(w.quit) })
	<-w.done
}
