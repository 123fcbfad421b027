// Package chunkrun splits a CSV into contiguous chunks and processes them with
// a bounded pool of workers.
//
// Chunks are independent: a failing chunk is reported in its Result and does
// not cancel the others.
package chunkrun

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/export"
	"github.com/Sternrassler/gh-harvest/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the default pool size.
const DefaultWorkers = 5

var chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvest_chunks_total",
	Help: "Total number of processed chunks by status",
}, []string{"status"})

// Partition splits items into at most n contiguous chunks whose sizes differ
// by at most one. Earlier chunks receive the remainder.
func Partition[T any](items []T, n int) [][]T {
	if n < 1 || len(items) == 0 {
		return nil
	}
	n = min(n, len(items))

	chunks := make([][]T, 0, n)
	size, rest := len(items)/n, len(items)%n
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < rest {
			end++
		}
		chunks = append(chunks, items[start:end])
		start = end
	}
	return chunks
}

// Chunk is one slice of the input, already written to Input.
type Chunk struct {
	Index  int
	Header []string
	Rows   [][]string
	Input  string
	Output string
}

// Task processes one chunk.
type Task func(ctx context.Context, chunk Chunk) error

// Result reports the outcome of one chunk.
type Result struct {
	Index    int
	Rows     int
	Input    string
	Output   string
	Duration time.Duration
	Err      error
}

// Config configures Run.
type Config struct {
	// Workers bounds concurrently running tasks (default DefaultWorkers).
	Workers int

	// Chunks is the number of chunks (default Workers).
	Chunks int

	// Dir receives the chunk input files.
	Dir string

	// Prefix names the chunk files (default "chunk").
	Prefix string
}

// Run partitions rows, writes every chunk to Dir and runs task once per chunk.
// The returned error covers invalid arguments and chunk files that could not be
// written; task failures are only reported in the results, which are ordered
// by chunk index.
func Run(ctx context.Context, header []string, rows [][]string, cfg Config, task Task) ([]Result, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: task is required", client.ErrInvalidArgument)
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: chunk directory is required", client.ErrInvalidArgument)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Chunks <= 0 {
		cfg.Chunks = cfg.Workers
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "chunk"
	}

	logger := logging.FromContext(ctx, "chunkrun")

	parts := Partition(rows, cfg.Chunks)
	chunks := make([]Chunk, len(parts))
	for i, part := range parts {
		chunks[i] = Chunk{
			Index:  i,
			Header: header,
			Rows:   part,
			Input:  filepath.Join(cfg.Dir, fmt.Sprintf("%s_%02d.csv", cfg.Prefix, i)),
			Output: filepath.Join(cfg.Dir, fmt.Sprintf("%s_%02d_out.csv", cfg.Prefix, i)),
		}
		if err := export.WriteFile(chunks[i].Input, header, part); err != nil {
			return nil, fmt.Errorf("write chunk %d: %w", i, err)
		}
	}

	logger.Info().
		Int("rows", len(rows)).
		Int("chunks", len(chunks)).
		Int("workers", cfg.Workers).
		Msg("Running chunks")

	results := make([]Result, len(chunks))
	var g errgroup.Group
	g.SetLimit(cfg.Workers)

	for i, chunk := range chunks {
		g.Go(func() error {
			start := time.Now()
			err := runTask(ctx, task, chunk)
			results[i] = Result{
				Index:    chunk.Index,
				Rows:     len(chunk.Rows),
				Input:    chunk.Input,
				Output:   chunk.Output,
				Duration: time.Since(start),
				Err:      err,
			}

			if err != nil {
				chunksTotal.WithLabelValues("failed").Inc()
				logger.Warn().Err(err).Int("chunk", chunk.Index).Msg("Chunk failed")
			} else {
				chunksTotal.WithLabelValues("ok").Inc()
				logger.Debug().Int("chunk", chunk.Index).Dur("duration", results[i].Duration).Msg("Chunk done")
			}
			return nil
		})
	}
	g.Wait()

	return results, nil
}

// runTask starts a chunk unless the run was cancelled and turns panics into errors.
func runTask(ctx context.Context, task Task, chunk Chunk) (err error) {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", client.ErrContextCancelled, ctx.Err())
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chunk %d panicked: %v", chunk.Index, r)
		}
	}()
	return task(ctx, chunk)
}

// Failed counts the results carrying an error.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
