package foldersync

import "sync"

// stack is an unbounded LIFO bridging two channels, so directory workers can
// both consume from and feed the pending-directory queue without deadlocking
// on a fixed channel size. LIFO keeps the scan depth-first, which bounds how
// much of the tree is in flight at once.
type stack[T any] struct {
	outchan chan T
	inchan  chan T
	data    []T
	closed  bool
	lock    sync.Mutex
	fill    *sync.Cond
}

func NewStack[T any](prealloc int) (*stack[T], <-chan T, chan<- T) {
	if prealloc < 4 {
		prealloc = 4
	}
	s := &stack[T]{
		outchan: make(chan T),
		inchan:  make(chan T),
		data:    make([]T, 0, prealloc),
	}
	s.fill = sync.NewCond(&s.lock)

	// ingestor
	go func() {
		for input := range s.inchan {
			s.lock.Lock()
			s.data = append(s.data, input)
			s.fill.Signal()
			s.lock.Unlock()
		}
		s.lock.Lock()
		s.closed = true
		s.fill.Signal()
		s.lock.Unlock()
	}()

	// emitter
	go func() {
		for {
			s.lock.Lock()
			for len(s.data) == 0 && !s.closed {
				s.fill.Wait()
			}
			if len(s.data) == 0 {
				s.lock.Unlock()
				close(s.outchan)
				return
			}
			output := s.data[len(s.data)-1]
			s.data = s.data[:len(s.data)-1]
			if len(s.data)*4 < cap(s.data) && cap(s.data) > prealloc {
				// shrink it back down
				newdata := make([]T, len(s.data), max(len(s.data), prealloc))
				copy(newdata, s.data)
				s.data = newdata
			}
			s.lock.Unlock()
			s.outchan <- output
		}
	}()
	return s, s.outchan, s.inchan
}

func (s *stack[T]) Close() {
	close(s.inchan)
}

func (s *stack[T]) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.data)
}
