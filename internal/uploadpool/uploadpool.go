// ============================================================================
// Bottomless Replicator - Upload Worker Pool (C4)
// ============================================================================
//
// Package: internal/uploadpool
// File: uploadpool.go
// Purpose: Bounded-concurrency uploader: drains the Copier's outbox and
// uploads each local batch file to the object store, deleting the local
// file on success.
//
// Concurrency: parallelism is bounded by a golang.org/x/sync/semaphore
// weighted semaphore (one permit per in-flight upload), and dispatched
// uploads are tracked with a golang.org/x/sync/errgroup so Run can wait
// for all of them to finish. An upload failure is logged and reported to
// the Observer; it never cancels the group or stops other uploads.
//
// Ordering guarantee: uploads are dispatched concurrently and may
// complete out of order; restore tolerates this because batch position is
// encoded in the filename and listing is lexicographic.
//
// ============================================================================

package uploadpool

import (
	"context"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/wal-replicator/internal/copier"
	"github.com/ChuLiYu/wal-replicator/internal/store"
)

// Observer receives upload lifecycle events. Every method may be nil in
// Pool.Observer; methods are called from arbitrary upload goroutines.
type Observer struct {
	OnStart   func(copier.Descriptor)
	OnSuccess func(copier.Descriptor, time.Duration)
	OnFailure func(copier.Descriptor, error)
}

// Pool bounds upload parallelism and drives a Copier outbox to completion.
type Pool struct {
	client   store.Client
	sem      *semaphore.Weighted
	Observer Observer
	log      *slog.Logger
}

// New builds a Pool with the given maximum parallelism.
func New(client store.Client, parallelism int) *Pool {
	if parallelism <= 0 {
		parallelism = 32
	}
	return &Pool{
		client: client,
		sem:    semaphore.NewWeighted(int64(parallelism)),
		log:    slog.Default().With("component", "uploadpool"),
	}
}

// Run drains outbox until it is closed or ctx is cancelled, uploading each
// descriptor with bounded parallelism. It blocks until every dispatched
// upload has completed, then returns nil: per-upload errors are not
// returned, they are logged and reported via Observer and do not stop
// other uploads from proceeding.
func (p *Pool) Run(ctx context.Context, outbox <-chan copier.Descriptor) error {
	g, gctx := errgroup.WithContext(ctx)

	for {
		select {
		case desc, ok := <-outbox:
			if !ok {
				return g.Wait()
			}
			if err := p.sem.Acquire(gctx, 1); err != nil {
				// Context cancelled; stop accepting new work but let
				// in-flight uploads finish via g.Wait below.
				return g.Wait()
			}
			g.Go(func() error {
				defer p.sem.Release(1)
				p.upload(ctx, desc)
				return nil
			})
		case <-ctx.Done():
			return g.Wait()
		}
	}
}

func (p *Pool) upload(ctx context.Context, desc copier.Descriptor) {
	start := time.Now()
	if p.Observer.OnStart != nil {
		p.Observer.OnStart(desc)
	}

	f, err := os.Open(desc.LocalPath)
	if err != nil {
		p.fail(desc, err)
		return
	}
	defer f.Close()

	if err := p.client.Put(ctx, desc.Key, f); err != nil {
		p.fail(desc, err)
		return
	}
	f.Close()

	if err := os.Remove(desc.LocalPath); err != nil {
		p.log.Warn("upload succeeded but local file removal failed", "path", desc.LocalPath, "err", err)
	}

	if p.Observer.OnSuccess != nil {
		p.Observer.OnSuccess(desc, time.Since(start))
	}
}

func (p *Pool) fail(desc copier.Descriptor, err error) {
	p.log.Error("upload failed, retaining local file for next sweep", "key", desc.Key, "path", desc.LocalPath, "err", err)
	if p.Observer.OnFailure != nil {
		p.Observer.OnFailure(desc, err)
	}
}
