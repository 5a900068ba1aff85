package watchlist

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"crate/internal/logging"
	"crate/internal/queue"
)

// EnqueueFunc admits one pending track into the download queue. It returns
// the status the track resolved to: TrackQueued when a job was created, a
// terminal status when duplicate checks settled the track outright, or ""
// to leave the track pending.
type EnqueueFunc func(ctx context.Context, spec queue.Spec) (TrackStatus, error)

// Poller periodically refreshes watched playlists and feeds new tracks into
// the queue.
type Poller struct {
	store    *Store
	fetcher  PlaylistFetcher
	enqueue  EnqueueFunc
	kick     func()
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPoller constructs a poller. kick may be nil; when set it is invoked
// after new jobs are enqueued so idle workers wake early.
func NewPoller(store *Store, fetcher PlaylistFetcher, enqueue EnqueueFunc, kick func(), interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		store:    store,
		fetcher:  fetcher,
		enqueue:  enqueue,
		kick:     kick,
		interval: interval,
		logger:   logging.NewComponentLogger(logger, "watchlist"),
	}
}

// Start launches the poll loop. A non-positive interval disables polling.
func (p *Poller) Start(ctx context.Context) error {
	if p.interval <= 0 {
		p.logger.Info("watchlist polling disabled")
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("watchlist poller already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.wg.Add(1)
	go p.run(runCtx)
	return nil
}

// Stop cancels the poll loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Warn("watchlist poll failed", logging.Error(err))
			}
		}
	}
}

// RunOnce refreshes every watched playlist and admits pending tracks. A
// playlist that cannot be fetched is logged and skipped; one broken provider
// never starves the rest.
func (p *Poller) RunOnce(ctx context.Context) error {
	playlists, err := p.store.Playlists(ctx)
	if err != nil {
		return err
	}
	for _, playlist := range playlists {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.refresh(ctx, playlist); err != nil {
			p.logger.Warn("playlist refresh failed",
				logging.String("url", playlist.URL),
				logging.Error(err),
			)
		}
	}
	return p.admitPending(ctx)
}

func (p *Poller) refresh(ctx context.Context, playlist *Playlist) error {
	if p.fetcher == nil {
		return nil
	}
	remote, err := p.fetcher.FetchPlaylist(ctx, playlist.URL)
	if err != nil {
		return err
	}
	for _, track := range remote.Tracks {
		if err := p.store.UpsertTrack(ctx, playlist.ID, track.Artist, track.Title, track.ExternalRef, track.OriginURL); err != nil {
			p.logger.Warn("track upsert failed",
				logging.String("title", track.Title),
				logging.Error(err),
			)
		}
	}
	p.logger.Info("playlist refreshed",
		logging.String("url", playlist.URL),
		logging.Int("tracks", len(remote.Tracks)),
	)
	return p.store.MarkChecked(ctx, playlist.ID)
}

// admitPending pushes pending tracks through the duplicate-checked enqueue.
func (p *Poller) admitPending(ctx context.Context) error {
	if p.enqueue == nil {
		return nil
	}
	pending, err := p.store.TracksByStatus(ctx, TrackPending)
	if err != nil {
		return err
	}
	admitted := 0
	for _, track := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		spec := queue.Spec{
			Source:      queue.SourceExtractor,
			ExternalRef: track.ExternalRef,
			Title:       track.Title,
			// Flat playlist listings often omit the artist; the downloader's
			// own metadata corrects this after the fetch.
			Artist:    firstNonEmpty(track.Artist, "Unknown Artist"),
			OriginURL: track.OriginURL,
		}
		status, err := p.enqueue(ctx, spec)
		if err != nil {
			p.logger.Warn("track enqueue failed",
				logging.Int64("track_id", track.ID),
				logging.Error(err),
			)
			continue
		}
		if status == "" {
			continue
		}
		if err := p.store.SetTrackStatus(ctx, track.ID, status); err != nil {
			p.logger.Warn("track status update failed",
				logging.Int64("track_id", track.ID),
				logging.Error(err),
			)
			continue
		}
		if status == TrackQueued {
			admitted++
		}
	}
	if admitted > 0 {
		p.logger.Info("watchlist tracks enqueued", logging.Int("count", admitted))
		if p.kick != nil {
			p.kick()
		}
	}
	return nil
}
