package registry

import (
	"context"
	"log"
	"sync"
	"time"
)

// SweeperConfig defines parameters. TTL is read through a function so a
// config hot reload takes effect without restarting the loop.
type SweeperConfig struct {
	Interval time.Duration
	TTL      func() time.Duration
}

// Sweeper runs SweepStale on a fixed interval, independent of any single
// worker's activity. It is the mechanism that bounds how long a crashed
// worker can hold camera leases.
type Sweeper struct {
	cfg  SweeperConfig
	svc  *Service
	quit chan struct{}
	wg   sync.WaitGroup
}

func NewSweeper(cfg SweeperConfig, svc *Service) *Sweeper {
	if cfg.Interval == 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.TTL == nil {
		cfg.TTL = func() time.Duration { return 90 * time.Second }
	}
	return &Sweeper{
		cfg:  cfg,
		svc:  svc,
		quit: make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Sweeper) Stop() {
	close(s.quit)
	s.wg.Wait()
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.quit:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.svc.SweepStale(ctx, s.cfg.TTL()); err != nil {
		log.Printf("[ERROR] Sweeper: sweep failed: %v", err)
	}
}
