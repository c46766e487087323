// Package hls is a headless playback surface for HTTP Live Streaming
// sources. It follows the media playlist and a wall-clock playhead; it does
// not download or decode segments.
package hls

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grafov/m3u8"
	"go.uber.org/zap"

	"github.com/kdimtricp/facesync/internal/liveedge"
	"github.com/kdimtricp/facesync/internal/playback"
)

var errNotLoaded = errors.New("no playlist loaded")

var (
	_ playback.Surface = (*Player)(nil)
	_ liveedge.Session = (*Player)(nil)
)

// Config tunes the player. Zero values get defaults.
type Config struct {
	Client            *http.Client
	ReloadInterval    time.Duration
	TickInterval      time.Duration
	MaxReloadFailures int
	// LiveSyncSegments is how many target durations behind the edge live
	// playback starts.
	LiveSyncSegments int
	Clock            clock.Clock
	Logger           *zap.Logger
}

type Player struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	listeners map[uint64]func(playback.Event)
	nextID    uint64

	loaded         bool
	live           bool
	fragments      []liveedge.Fragment
	nextSeq        uint64
	targetDuration float64

	position float64
	anchor   time.Time
	ended    bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPlayer(cfg Config) *Player {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = 2 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	if cfg.MaxReloadFailures <= 0 {
		cfg.MaxReloadFailures = 3
	}
	if cfg.LiveSyncSegments <= 0 {
		cfg.LiveSyncSegments = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Player{
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    cfg.Logger.Named("hls"),
		listeners: make(map[uint64]func(playback.Event)),
	}
}

// Load replaces whatever source is attached with src. src may be a media or
// a master playlist; for a master playlist the first variant is followed.
func (p *Player) Load(ctx context.Context, src string) error {
	p.Destroy()

	playlistURL, err := url.Parse(src)
	if err != nil {
		return fmt.Errorf("invalid source URL: %w", err)
	}

	media, mediaURL, err := p.fetchMedia(ctx, playlistURL)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.resetLocked()
	p.applyLocked(media)
	p.loaded = true
	if p.live && len(p.fragments) > 0 {
		edge := p.fragments[len(p.fragments)-1].End()
		p.position = math.Max(0, edge-float64(p.cfg.LiveSyncSegments)*p.targetDuration)
	}
	p.anchor = p.clock.Now()
	// Tickers are armed before Load returns; callers may advance the clock
	// as soon as it does.
	tickers := runTickers{tick: p.clock.Ticker(p.cfg.TickInterval)}
	if p.live {
		tickers.reload = p.clock.Ticker(p.cfg.ReloadInterval)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	live, count, position := p.live, len(p.fragments), p.position
	p.mu.Unlock()

	p.logger.Info("playlist loaded",
		zap.String("url", mediaURL.String()),
		zap.Bool("live", live),
		zap.Int("fragments", count),
		zap.Float64("start", position))

	go p.run(runCtx, mediaURL, tickers, done)
	return nil
}

// Destroy stops playlist reloads and time updates and forgets the source.
// Subscribers stay registered.
func (p *Player) Destroy() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.resetLocked()
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (p *Player) resetLocked() {
	p.loaded = false
	p.live = false
	p.fragments = nil
	p.nextSeq = 0
	p.targetDuration = 0
	p.position = 0
	p.ended = false
}

func (p *Player) Subscribe(fn func(playback.Event)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Player) Live() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func (p *Player) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentLocked()
}

func (p *Player) currentLocked() float64 {
	if !p.loaded {
		return 0
	}
	t := p.position + p.clock.Since(p.anchor).Seconds()
	if end := p.endLocked(); t > end {
		t = end
	}
	return t
}

func (p *Player) endLocked() float64 {
	if len(p.fragments) == 0 {
		return 0
	}
	return p.fragments[len(p.fragments)-1].End()
}

// Seek moves the playhead, clamped to the loaded range.
func (p *Player) Seek(t float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return errNotLoaded
	}
	p.position = math.Min(math.Max(0, t), p.endLocked())
	p.anchor = p.clock.Now()
	p.ended = false
	return nil
}

// Fragments returns a copy of the loaded fragments of the followed rendition.
func (p *Player) Fragments() ([]liveedge.Fragment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return nil, errNotLoaded
	}
	return append([]liveedge.Fragment(nil), p.fragments...), nil
}

func (p *Player) BufferedEnd() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded || len(p.fragments) == 0 {
		return 0, false
	}
	return p.endLocked(), true
}

type runTickers struct {
	tick *clock.Ticker
	// reload is nil for recorded streams.
	reload *clock.Ticker
}

func (p *Player) run(ctx context.Context, mediaURL *url.URL, tickers runTickers, done chan struct{}) {
	defer close(done)

	ticker := tickers.tick
	defer ticker.Stop()

	var reload <-chan time.Time
	if tickers.reload != nil {
		defer tickers.reload.Stop()
		reload = tickers.reload.C
	}

	failures := 0
	metadataSent := false

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if !metadataSent {
				metadataSent = true
				p.emit(playback.Event{Kind: playback.EventMetadataLoaded, Time: p.CurrentTime()})
			}
			t, ended := p.advance()
			p.emit(playback.Event{Kind: playback.EventTimeUpdate, Time: t})
			if ended {
				p.emit(playback.Event{Kind: playback.EventEnded, Time: t})
			}

		case <-reload:
			added, stillLive, err := p.reload(ctx, mediaURL)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				fatal := failures >= p.cfg.MaxReloadFailures
				p.emit(playback.Event{Kind: playback.EventError, Err: err, Fatal: fatal})
				if fatal {
					p.logger.Error("playlist reload failed, giving up", zap.Int("failures", failures), zap.Error(err))
					return
				}
				p.logger.Warn("playlist reload failed", zap.Int("failures", failures), zap.Error(err))
				continue
			}
			failures = 0
			p.emit(playback.Event{Kind: playback.EventManifestLoaded, Time: p.CurrentTime()})
			for i := 0; i < added; i++ {
				p.emit(playback.Event{Kind: playback.EventFragmentLoaded, Time: p.CurrentTime()})
			}
			if !stillLive {
				p.logger.Info("stream ended, playlist reloads stopped")
				reload = nil
			}
		}
	}
}

// advance reports the playhead and whether a recorded stream just reached
// its end.
func (p *Player) advance() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.currentLocked()
	if p.live || p.ended || !p.loaded || t < p.endLocked() {
		return t, false
	}
	p.ended = true
	return t, true
}

func (p *Player) reload(ctx context.Context, mediaURL *url.URL) (int, bool, error) {
	media, err := p.fetchPlaylist(ctx, mediaURL)
	if err != nil {
		return 0, false, err
	}
	mediaPlaylist, ok := media.(*m3u8.MediaPlaylist)
	if !ok {
		return 0, false, fmt.Errorf("%s is no longer a media playlist", mediaURL)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	before := len(p.fragments)
	p.applyLocked(mediaPlaylist)
	return len(p.fragments) - before, p.live, nil
}

// applyLocked appends fragments the player has not seen yet. Fragment start
// offsets are accumulated from the first fragment seen, so they stay stable
// as a live window slides.
func (p *Player) applyLocked(pl *m3u8.MediaPlaylist) {
	seq := pl.SeqNo
	for _, seg := range pl.Segments {
		if seg == nil {
			continue
		}
		if len(p.fragments) == 0 || seq >= p.nextSeq {
			start := 0.0
			if n := len(p.fragments); n > 0 {
				start = p.fragments[n-1].End()
			}
			p.fragments = append(p.fragments, liveedge.Fragment{Start: start, Duration: seg.Duration})
			p.nextSeq = seq + 1
		}
		seq++
	}
	p.targetDuration = pl.TargetDuration
	p.live = !pl.Closed && pl.MediaType != m3u8.VOD
}

func (p *Player) fetchMedia(ctx context.Context, playlistURL *url.URL) (*m3u8.MediaPlaylist, *url.URL, error) {
	pl, err := p.fetchPlaylist(ctx, playlistURL)
	if err != nil {
		return nil, nil, err
	}

	switch v := pl.(type) {
	case *m3u8.MediaPlaylist:
		return v, playlistURL, nil
	case *m3u8.MasterPlaylist:
		if len(v.Variants) == 0 || v.Variants[0] == nil {
			return nil, nil, fmt.Errorf("%w: master playlist has no variants", playback.ErrUnsupported)
		}
		variantURL, err := playlistURL.Parse(v.Variants[0].URI)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve variant URI: %w", err)
		}
		p.logger.Debug("following first variant", zap.String("url", variantURL.String()))
		media, err := p.fetchPlaylist(ctx, variantURL)
		if err != nil {
			return nil, nil, err
		}
		mediaPlaylist, ok := media.(*m3u8.MediaPlaylist)
		if !ok {
			return nil, nil, fmt.Errorf("%w: nested master playlist", playback.ErrUnsupported)
		}
		return mediaPlaylist, variantURL, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown playlist type", playback.ErrUnsupported)
	}
}

func (p *Player) fetchPlaylist(ctx context.Context, playlistURL *url.URL) (m3u8.Playlist, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build playlist request: %w", err)
	}
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch playlist: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("playlist returned %s", resp.Status)
	}
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}

	if !bytes.HasPrefix(bytes.TrimSpace(bytes.TrimPrefix(buf, []byte("\xef\xbb\xbf"))), []byte("#EXTM3U")) {
		return nil, fmt.Errorf("%w: %s is not an HLS playlist", playback.ErrUnsupported, playlistURL)
	}
	pl, _, err := m3u8.DecodeFrom(bytes.NewReader(buf), false)
	if err != nil {
		return nil, fmt.Errorf("%w: parse playlist: %v", playback.ErrUnsupported, err)
	}
	return pl, nil
}

func (p *Player) emit(ev playback.Event) {
	p.mu.Lock()
	fns := make([]func(playback.Event), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
