package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opine-hq/fieldsync/internal/config"
	"github.com/opine-hq/fieldsync/internal/models"
)

// Processor applies an operation to response ids in bounded chunks with a
// worker pool. The QC engine uses it to fan remainder decisions out without
// one enormous statement or an unbounded goroutine spray.
type Processor struct {
	config     *config.ChunkConfig
	statusChan chan *models.BatchProgress
	mu         sync.RWMutex
}

// NewProcessor creates a new chunked processor
func NewProcessor(cfg *config.ChunkConfig) *Processor {
	return &Processor{
		config:     cfg,
		statusChan: make(chan *models.BatchProgress, 1),
	}
}

// ProcessIDs processes ids in chunks
func (p *Processor) ProcessIDs(ctx context.Context, ids []string, processFn func(ctx context.Context, chunk []string) error) error {
	totalItems := len(ids)
	if totalItems == 0 {
		return nil
	}

	chunkSize := p.config.Size
	if chunkSize <= 0 {
		chunkSize = 500
	}

	totalChunks := (totalItems + chunkSize - 1) / chunkSize
	progress := &models.BatchProgress{
		TotalChunks:    totalChunks,
		TotalItems:     totalItems,
		StartTime:      time.Now(),
		LastUpdateTime: time.Now(),
	}

	p.updateProgress(progress)

	workerChan := make(chan int, p.config.Workers)
	var wg sync.WaitGroup
	var processErr error
	var mu sync.Mutex

	for i := 0; i < totalChunks; i++ {
		select {
		case <-ctx.Done():
			progress.Errors = append(progress.Errors, ctx.Err())
			p.updateProgress(progress)
			return ctx.Err()
		case workerChan <- i:
			wg.Add(1)
			go func(chunkNum int) {
				defer wg.Done()
				defer func() { <-workerChan }()

				start := chunkNum * chunkSize
				end := start + chunkSize
				if end > totalItems {
					end = totalItems
				}

				chunk := ids[start:end]
				err := p.processChunkWithRetry(ctx, chunk, processFn)
				if err != nil {
					mu.Lock()
					if processErr == nil {
						processErr = err
					}
					progress.Errors = append(progress.Errors, err)
					mu.Unlock()
					return
				}

				mu.Lock()
				progress.ProcessedChunks++
				progress.ProcessedItems += len(chunk)
				progress.LastUpdateTime = time.Now()
				p.updateProgress(progress)
				mu.Unlock()

				if p.config.ChunkDelay > 0 {
					time.Sleep(p.config.ChunkDelay)
				}
			}(i)
		}
	}

	wg.Wait()

	if processErr != nil {
		p.updateProgress(progress)
		return processErr
	}

	p.updateProgress(progress)
	return nil
}

// GetProgress returns the current progress channel
func (p *Processor) GetProgress() <-chan *models.BatchProgress {
	return p.statusChan
}

// processChunkWithRetry processes a chunk with retry logic
func (p *Processor) processChunkWithRetry(ctx context.Context, chunk []string, processFn func(ctx context.Context, chunk []string) error) error {
	var lastErr error
	for retry := 0; retry <= p.config.MaxRetries; retry++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			err := processFn(ctx, chunk)
			if err == nil {
				return nil
			}

			lastErr = err
			if retry < p.config.MaxRetries {
				backoff := time.Duration(float64(p.config.ChunkDelay) * float64(retry+1))
				time.Sleep(backoff)
			}
		}
	}

	return fmt.Errorf("failed to process chunk after %d retries: %v", p.config.MaxRetries, lastErr)
}

// updateProgress updates and sends the current progress
func (p *Processor) updateProgress(progress *models.BatchProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case p.statusChan <- progress:
	default:
		// Channel is full, replace the value
		<-p.statusChan
		p.statusChan <- progress
	}
}
