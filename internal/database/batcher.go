package database

import (
	"database/sql"
	"log"
	"strings"
	"sync"
	"time"
)

const (
	BatchSize     = 500
	FlushInterval = 500 * time.Millisecond
	BufferSize    = 5000
)

// AllocationBatcher buffers allocation history rows and writes them in
// multi-row inserts. Allocation latency must never pay for history I/O, so
// Queue is non-blocking and drops under sustained backpressure.
type AllocationBatcher struct {
	db        *sql.DB
	records   chan AllocationRecord
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewAllocationBatcher creates a new batcher.
func NewAllocationBatcher(db *sql.DB) *AllocationBatcher {
	return &AllocationBatcher{
		db:      db,
		records: make(chan AllocationRecord, BufferSize),
	}
}

// Start initiates the background worker.
func (b *AllocationBatcher) Start() {
	b.mu.Lock()
	if b.isRunning {
		b.mu.Unlock()
		return
	}
	b.isRunning = true
	b.wg.Add(1)
	b.mu.Unlock()

	go b.worker()
	log.Println("[AllocationBatcher] Worker started")
}

// Stop flushes remaining items and stops the worker.
func (b *AllocationBatcher) Stop() {
	b.mu.Lock()
	if !b.isRunning {
		b.mu.Unlock()
		return
	}
	b.isRunning = false
	b.mu.Unlock()

	close(b.records)
	b.wg.Wait()
	log.Println("[AllocationBatcher] Worker stopped")
}

// Queue adds a record to the buffer. Drops when the buffer is full.
func (b *AllocationBatcher) Queue(rec AllocationRecord) {
	select {
	case b.records <- rec:
	default:
		log.Printf("[AllocationBatcher] WARNING: Buffer full, dropping record for %s", rec.Number)
	}
}

func (b *AllocationBatcher) worker() {
	defer b.wg.Done()

	buffer := make([]AllocationRecord, 0, BatchSize)
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-b.records:
			if !ok {
				if len(buffer) > 0 {
					b.flush(buffer)
				}
				return
			}
			buffer = append(buffer, rec)
			if len(buffer) >= BatchSize {
				b.flush(buffer)
				buffer = buffer[:0]
			}
		case <-ticker.C:
			if len(buffer) > 0 {
				b.flush(buffer)
				buffer = buffer[:0]
			}
		}
	}
}

func (b *AllocationBatcher) flush(recs []AllocationRecord) {
	if len(recs) == 0 {
		return
	}

	start := time.Now()

	var sb strings.Builder
	sb.WriteString("INSERT INTO cidrotate_allocation_log (ts, number, destination, campaign, agent, latency_ms, outcome) VALUES ")

	args := make([]any, 0, len(recs)*7)
	for i, rec := range recs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		ts := rec.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		args = append(args, ts.UTC(), rec.Number, rec.Destination, rec.Campaign,
			rec.Agent, rec.LatencyMs, rec.Outcome)
	}

	if _, err := b.db.Exec(sb.String(), args...); err != nil {
		log.Printf("[AllocationBatcher] ERROR flushing batch of %d records: %v", len(recs), err)
		return
	}
	log.Printf("[AllocationBatcher] Flushed %d records in %v", len(recs), time.Since(start))
}
