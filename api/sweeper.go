/*
sweeper.go - Automated choice expiration sweeper

PURPOSE:
  Periodically flips pending choices past their claim window to expired
  so that frontends stop showing stale choices and expiration events get
  emitted.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Advisory only: ClaimChoice re-validates expiry on its own, so
    correctness never depends on the sweeper having run
  - Runs once immediately on Start

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 minute)
  - Enabled: Whether the sweeper is active (default: true)

USAGE:
  sweeper := NewExpirationSweeper(engine)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: ExpireChoices endpoint (manual sweep)
  - loyalty/engine.go: ExpireDue
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/voyageworks/loyalty-engine/loyalty"
)

// ExpirationSweeper handles automated choice expiration.
type ExpirationSweeper struct {
	Engine        *loyalty.Engine
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpirationSweeper creates a new sweeper.
func NewExpirationSweeper(engine *loyalty.Engine) *ExpirationSweeper {
	return &ExpirationSweeper{
		Engine:        engine,
		CheckInterval: 1 * time.Minute,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the sweeper.
func (es *ExpirationSweeper) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled {
		log.Println("[Sweeper] Disabled, not starting")
		return
	}

	es.ticker = time.NewTicker(es.CheckInterval)
	es.wg.Add(1)

	go es.run()

	log.Printf("[Sweeper] Started with check interval: %v", es.CheckInterval)
}

// Stop stops the sweeper.
func (es *ExpirationSweeper) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.ticker != nil {
		es.ticker.Stop()
		close(es.stop)
		es.wg.Wait()
		log.Println("[Sweeper] Stopped")
	}
}

func (es *ExpirationSweeper) run() {
	defer es.wg.Done()

	// Run immediately on start
	es.sweep()

	for {
		select {
		case <-es.ticker.C:
			es.sweep()
		case <-es.stop:
			return
		}
	}
}

func (es *ExpirationSweeper) sweep() {
	ctx := context.Background()

	n, err := es.Engine.ExpireDue(ctx)
	if err != nil {
		log.Printf("[Sweeper] Error expiring choices: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Sweeper] Expired %d choice(s)", n)
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (es *ExpirationSweeper) RunNow() {
	es.sweep()
}
