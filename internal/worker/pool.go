package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"generation-job-service/internal/service"
)

// Pool claims job ids from the reconcile queue and hands them to a fixed number of workers.
type Pool struct {
	queue      service.Queue
	processor  *Processor
	workers    int
	claimDelay time.Duration
}

func NewPool(queue service.Queue, processor *Processor, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		queue:      queue,
		processor:  processor,
		workers:    workers,
		claimDelay: 5 * time.Second,
	}
}

// Run blocks until ctx is canceled and every in-flight reconciliation has been acked.
func (p *Pool) Run(ctx context.Context) {
	log.Printf("[reconciler] pool started workers=%d", p.workers)

	jobCh := make(chan string)
	var wg sync.WaitGroup

	// N воркеров
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for jobID := range jobCh {
				if err := p.processor.Process(ctx, jobID); err != nil {
					log.Printf("[reconciler-%d] job_id=%s error=%v", n, jobID, err)
				}

				// ACK в любом случае: при ошибке провайдера запись останется устаревшей,
				// и следующий sweep поставит её в очередь снова.
				if ackErr := p.queue.Ack(context.WithoutCancel(ctx), jobID); ackErr != nil {
					log.Printf("[reconciler-%d] job_id=%s ack error=%v", n, jobID, ackErr)
				}
			}
		}(i + 1)
	}

	defer func() {
		close(jobCh)
		wg.Wait()
		log.Println("[reconciler] pool stopped")
	}()

	// Listener: atomically claim from queue -> processing
	for {
		if ctx.Err() != nil {
			return
		}
		jobID, err := p.queue.ClaimBlocking(ctx, p.claimDelay)
		if err != nil {
			// timeout/redis.Nil/ctx cancel: не фатально
			continue
		}
		select {
		case jobCh <- jobID:
		case <-ctx.Done():
			return
		}
	}
}
