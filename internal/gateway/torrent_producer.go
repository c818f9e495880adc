package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"torrentstream/internal/domain"
	"torrentstream/internal/domain/ports"
	"torrentstream/internal/usecase"
)

// readNotReadyTimeout bounds how long a single Read waits for the
// requested byte to download before reporting backpressure. It must stay
// well under producerRetryInterval so a Read call itself never becomes the
// thing that blocks the connection's I/O goroutine for noticeable time.
const readNotReadyTimeout = 50 * time.Millisecond

type mediaEntry struct {
	torrentID domain.TorrentID
	file      domain.FileRef
}

// TorrentProducer implements Producer over the BitTorrent engine: it
// enumerates open sessions' files into a MediaIndex, lazily opens one
// StreamReader per resolved video index, and translates the reader's
// blocking Read into the gateway's required "return immediately, n=0 on
// not-ready" contract using StreamReader.SetContext's read deadline.
type TorrentProducer struct {
	engine ports.Engine
	logger *slog.Logger
	stream *usecase.StreamTorrent

	index *MediaIndex

	mu      sync.Mutex
	entries map[int]mediaEntry
	readers map[int]ports.StreamReader
}

// NewTorrentProducer wraps engine. Callers should run Refresh periodically
// (e.g. alongside usecase.SyncState) so newly opened torrents become
// resolvable without restarting the gateway. repo may be nil; it is only
// consulted to reopen a session the engine has since dropped.
func NewTorrentProducer(engine ports.Engine, repo ports.TorrentRepository, logger *slog.Logger) *TorrentProducer {
	return &TorrentProducer{
		engine: engine,
		logger: logger,
		stream: &usecase.StreamTorrent{
			Engine: engine,
			Repo:   repo,
		},
		index:   NewMediaIndex(),
		entries: make(map[int]mediaEntry),
		readers: make(map[int]ports.StreamReader),
	}
}

// Refresh rebuilds the media index from every currently active session's
// file list. It is safe to call concurrently with Resolve/Read.
func (p *TorrentProducer) Refresh(ctx context.Context) error {
	ids, err := p.engine.ListActiveSessions(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		session, err := p.engine.GetSession(ctx, id)
		if err != nil {
			continue
		}
		for _, f := range session.Files() {
			name := path.Base(f.Path)
			idx := p.index.IndexFor(name)
			p.mu.Lock()
			p.entries[idx] = mediaEntry{torrentID: id, file: f}
			p.mu.Unlock()
		}
	}
	return nil
}

// Name implements Producer.
func (p *TorrentProducer) Name() string { return "torrent" }

// Resolve implements Producer. It ignores the handler's derived videoIndex
// and instead resolves by basename, returning the index this producer
// actually knows the file under (matching the original's "resolve may
// rewrite video_index" contract).
func (p *TorrentProducer) Resolve(uri string, _ int) (fileSize int64, resolvedIndex int, ok bool) {
	name := path.Base(uri)
	idx, found := p.index.Lookup(name)
	if !found {
		return 0, 0, false
	}
	p.mu.Lock()
	entry, exists := p.entries[idx]
	p.mu.Unlock()
	if !exists {
		return 0, 0, false
	}
	return entry.file.Length, idx, true
}

// Read implements Producer. It seeks the cached StreamReader for
// videoIndex to offset and attempts a bounded read; context.DeadlineExceeded
// is translated to the "not ready yet" backpressure signal the connection
// FSM retries on.
func (p *TorrentProducer) Read(videoIndex int, offset int64, buf []byte) (int, bool) {
	reader, entry, ok := p.readerFor(videoIndex)
	if !ok {
		return 0, false
	}

	if _, err := reader.Seek(offset, io.SeekStart); err != nil {
		p.logger.Warn("torrent producer seek failed",
			slog.String("torrentId", string(entry.torrentID)),
			slog.Int64("offset", offset),
			slog.String("error", err.Error()))
		return 0, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), readNotReadyTimeout)
	defer cancel()
	reader.SetContext(ctx)

	n, err := reader.Read(buf)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, true
		}
		if errors.Is(err, io.EOF) {
			return n, true
		}
		p.logger.Warn("torrent producer read failed",
			slog.String("torrentId", string(entry.torrentID)),
			slog.String("error", err.Error()))
		return 0, false
	}
	return n, true
}

func (p *TorrentProducer) readerFor(videoIndex int) (ports.StreamReader, mediaEntry, bool) {
	p.mu.Lock()
	reader, hasReader := p.readers[videoIndex]
	entry, hasEntry := p.entries[videoIndex]
	p.mu.Unlock()

	if !hasEntry {
		return nil, mediaEntry{}, false
	}
	if hasReader {
		return reader, entry, true
	}

	result, err := p.stream.Execute(context.Background(), entry.torrentID, entry.file.Index)
	if err != nil {
		p.logger.Warn("torrent producer stream open failed",
			slog.String("torrentId", string(entry.torrentID)),
			slog.Int("fileIndex", entry.file.Index),
			slog.String("error", err.Error()))
		return nil, entry, false
	}
	result.Reader.SetResponsive()

	p.mu.Lock()
	p.readers[videoIndex] = result.Reader
	p.mu.Unlock()
	return result.Reader, entry, true
}
