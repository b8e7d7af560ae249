package logging

import (
	"os"
	"sync"
)

// Suppressor redirects process stdout to the null device while noisy
// native libraries run, so their chatter cannot corrupt the protocol
// stream. Acquisitions are reference counted: stdout is redirected when
// the count rises above zero and restored when it returns to zero, so
// nested or concurrent use is safe.
type Suppressor struct {
	mu       sync.Mutex
	refcount int
	original *os.File
	devnull  *os.File
}

// NewSuppressor returns an inactive suppressor.
func NewSuppressor() *Suppressor {
	return &Suppressor{}
}

// Acquire redirects stdout if this is the first acquisition and returns
// a release function. The release function must be called on every exit
// path; calling it more than once is a no-op.
func (s *Suppressor) Acquire() func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refcount == 0 {
		devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err == nil {
			s.original = os.Stdout
			s.devnull = devnull
			os.Stdout = devnull
		}
	}
	s.refcount++

	var once sync.Once
	return func() {
		once.Do(s.release)
	}
}

func (s *Suppressor) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refcount--
	if s.refcount > 0 {
		return
	}
	s.refcount = 0
	if s.original != nil {
		os.Stdout = s.original
		s.original = nil
	}
	if s.devnull != nil {
		s.devnull.Close()
		s.devnull = nil
	}
}

// Active reports whether stdout is currently redirected.
func (s *Suppressor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refcount > 0
}
