package triage

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"time"

	"github.com/phototriage/phototriage/internal/annotation"
	"github.com/phototriage/phototriage/internal/fileid"
	"github.com/phototriage/phototriage/internal/metadata"
)

// Photo is one image file in the collection. Its identity is updated in
// place when the file is renamed. Fields are guarded by mu so worker
// goroutines can read them; structural changes to the collection still go
// through the Writer.
type Photo struct {
	mu sync.RWMutex

	id        fileid.Identity
	favorited bool
	marked    bool

	meta      *metadata.Metadata
	metaReady chan struct{} // nil: not loaded; open: loading; closed: loaded

	failed   bool
	finished bool

	position int // view position, owned by the Writer
}

func newPhoto(id fileid.Identity, a annotation.Annotation) *Photo {
	p := &Photo{id: id, position: -1}
	p.setFlags(a.Favorited, a.MarkedForDeletion)

	return p
}

// ID returns the current identity.
func (p *Photo) ID() fileid.Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.id
}

// Path returns the current path on disk.
func (p *Photo) Path() string { return p.ID().Path() }

// Name returns the current file name.
func (p *Photo) Name() string { return p.ID().Name() }

// Favorited reports the favorite flag.
func (p *Photo) Favorited() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.favorited
}

// MarkedForDeletion reports the deletion mark.
func (p *Photo) MarkedForDeletion() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.marked
}

// Metadata returns the loaded metadata, or nil when not loaded yet.
func (p *Photo) Metadata() *metadata.Metadata {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.meta
}

// Thumbnail returns the embedded thumbnail once metadata is loaded.
func (p *Photo) Thumbnail() []byte {
	if m := p.Metadata(); m != nil {
		return m.Thumbnail
	}

	return nil
}

// CaptureTime returns the capture timestamp if known.
func (p *Photo) CaptureTime() (time.Time, bool) {
	m := p.Metadata()
	if !m.HasCaptureTime() {
		return time.Time{}, false
	}

	return *m.CaptureTime, true
}

// LastOperationFailed reports the transient failure flag of the running
// bulk command.
func (p *Photo) LastOperationFailed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.failed
}

// LastOperationFinished reports the transient completion flag of the
// running bulk command.
func (p *Photo) LastOperationFinished() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.finished
}

// setFlags stores the annotation pair. Favorite wins if both are set.
func (p *Photo) setFlags(favorited, marked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.favorited = favorited
	p.marked = marked && !favorited
}

func (p *Photo) setIdentity(id fileid.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.id = id
}

func (p *Photo) setFailed() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failed = true
}

func (p *Photo) setFinished() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.finished = true
}

func (p *Photo) clearTransient() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failed = false
	p.finished = false
}

// loadMetadata returns the photo's metadata, extracting it on first use.
// Concurrent callers share one extraction. Transient failures (missing
// file, cancellation) are not cached; a file without EXIF caches an empty
// Metadata and returns the decoder error once.
func (p *Photo) loadMetadata(ctx context.Context, ex metadata.Extractor) (*metadata.Metadata, error) {
	for {
		p.mu.Lock()

		if ch := p.metaReady; ch != nil {
			p.mu.Unlock()

			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			if m := p.Metadata(); m != nil {
				return m, nil
			}

			// The load was invalidated or failed transiently: try ourselves.
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			continue
		}

		ch := make(chan struct{})
		p.metaReady = ch
		path := p.id.Path()
		p.mu.Unlock()

		m, err := ex.Extract(ctx, path)

		p.mu.Lock()

		current := p.metaReady == ch

		switch {
		case err == nil:
		case transient(err):
			if current {
				p.metaReady = nil
			}

			m = nil
		default:
			m = &metadata.Metadata{}
		}

		if current && m != nil {
			p.meta = m
		}

		p.mu.Unlock()
		close(ch)

		return m, err
	}
}

// invalidateMetadata forgets cached metadata so the next load re-reads the
// file. An extraction in flight is discarded when it completes.
func (p *Photo) invalidateMetadata() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.meta = nil
	p.metaReady = nil
}

// applyShift moves a loaded capture time by d. Metadata still loading is
// invalidated instead, since it may have been read before the shift.
func (p *Photo) applyShift(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.metaReady == nil {
		return
	}

	select {
	case <-p.metaReady:
		p.meta = p.meta.Shifted(d)
	default:
		p.meta = nil
		p.metaReady = nil
	}
}

func transient(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, fs.ErrNotExist)
}
