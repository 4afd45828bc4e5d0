package database

import (
	"context"
	"log"
	"sync"
	"time"
)

// CleanerInterval is how often expired reservation rows are pruned.
const CleanerInterval = 60 * time.Second

// ReservationCleaner prunes audit rows whose reservation window has passed.
// The live locks expire on their own in the coordination store; this only
// keeps the audit table from growing without bound.
type ReservationCleaner struct {
	repo     *Repository
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewReservationCleaner creates a new cleaner.
func NewReservationCleaner(repo *Repository) *ReservationCleaner {
	return &ReservationCleaner{
		repo:     repo,
		stopChan: make(chan struct{}),
	}
}

// Start begins the cleaner worker.
func (c *ReservationCleaner) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run()
	log.Println("[ReservationCleaner] Started - pruning expired reservations every 60s")
}

// Stop gracefully stops the cleaner.
func (c *ReservationCleaner) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()
	log.Println("[ReservationCleaner] Stopped")
}

func (c *ReservationCleaner) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(CleanerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.prune()
		}
	}
}

func (c *ReservationCleaner) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := c.repo.DeleteExpiredReservations(ctx, time.Now())
	if err != nil {
		log.Printf("[ReservationCleaner] Error pruning reservations: %v", err)
		return
	}
	if rows > 0 {
		log.Printf("[ReservationCleaner] Pruned %d expired reservations", rows)
	}
}
