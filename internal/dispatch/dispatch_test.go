package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nyxlabs/gvmd/internal/gvm"
)

type slowController struct {
	inFlight map[string]*int32
	mu       sync.Mutex
	maxSeen  int32 // highest in-flight count for any single name

	total    int32 // in-flight count across all names
	maxTotal int32 // highest value total has reached
}

func newSlowController() *slowController {
	return &slowController{inFlight: map[string]*int32{}}
}

func (s *slowController) counter(name string) *int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.inFlight[name]
	if !ok {
		var zero int32
		c = &zero
		s.inFlight[name] = c
	}
	return c
}

func (s *slowController) Create(ctx context.Context, name string, cfg gvm.Config) (*gvm.Record, error) {
	c := s.counter(name)
	n := atomic.AddInt32(c, 1)
	all := atomic.AddInt32(&s.total, 1)
	s.mu.Lock()
	if n > s.maxSeen {
		s.maxSeen = n
	}
	if all > s.maxTotal {
		s.maxTotal = all
	}
	s.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	atomic.AddInt32(&s.total, -1)
	atomic.AddInt32(c, -1)
	return &gvm.Record{Name: name}, nil
}

func (s *slowController) Start(ctx context.Context, name string) (*gvm.Record, error)  { return nil, nil }
func (s *slowController) Stop(ctx context.Context, name string, g int) (*gvm.Record, error) {
	return nil, nil
}
func (s *slowController) Pause(ctx context.Context, name string) (*gvm.Record, error)   { return nil, nil }
func (s *slowController) Resume(ctx context.Context, name string) (*gvm.Record, error)  { return nil, nil }
func (s *slowController) Suspend(ctx context.Context, name string) (*gvm.Record, error) { return nil, nil }
func (s *slowController) Reset(ctx context.Context, name string) (*gvm.Record, error)   { return nil, nil }
func (s *slowController) Destroy(ctx context.Context, name string, force bool) error    { return nil }
func (s *slowController) Attach(ctx context.Context, name string) (*gvm.Record, error)  { return nil, nil }

type nilStore struct{}

func (nilStore) GetByName(name string) (*gvm.Record, error) { return nil, nil }
func (nilStore) List() ([]*gvm.Record, error)                { return nil, nil }

func TestSameNameOperationsAreSerialized(t *testing.T) {
	sc := newSlowController()
	d := New(sc, nilStore{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Create(context.Background(), "same", gvm.Config{})
		}()
	}
	wg.Wait()

	if sc.maxSeen > 1 {
		t.Errorf("max concurrent in-flight for same name = %d, want 1", sc.maxSeen)
	}
}

func TestDifferentNameOperationsRunConcurrently(t *testing.T) {
	sc := newSlowController()
	d := New(sc, nilStore{})

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			d.Create(context.Background(), n, gvm.Config{})
		}(name)
	}
	wg.Wait()

	if sc.maxTotal < 2 {
		t.Errorf("max concurrent in-flight across names = %d, want > 1", sc.maxTotal)
	}
}
