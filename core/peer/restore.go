package peer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pyropy/dbs/core/ledger"
	"github.com/pyropy/dbs/core/metrics"
	"github.com/pyropy/dbs/core/model"
	"github.com/pyropy/dbs/core/protocol"
	"github.com/pyropy/dbs/core/transport"
	"github.com/pyropy/dbs/lib/cmap"
)

var (
	ErrUnknownChunkCount = errors.New("chunk count of file is not known")
	ErrRestoreNotPending = errors.New("no restore initiated for file")
	ErrRestoreCompleted  = errors.New("restore of file already completed")
)

type RestoreState int

const (
	RestoreNotRequested RestoreState = iota
	RestorePending
	RestoreComplete
)

func (s RestoreState) String() string {
	switch s {
	case RestorePending:
		return "pending"
	case RestoreComplete:
		return "complete"
	default:
		return "not_requested"
	}
}

// assembly collects the chunks of one file being restored. done is closed once
// every index in [0, total) has arrived.
type assembly struct {
	total int
	done  chan struct{}

	mu       sync.Mutex
	chunks   map[int][]byte
	complete bool

	// serializes writers so only one of them writes the file
	writeMu sync.Mutex
}

func newAssembly(total int) *assembly {
	a := &assembly{
		total:  total,
		done:   make(chan struct{}),
		chunks: make(map[int][]byte, total),
	}

	if total == 0 {
		close(a.done)
	}

	return a
}

// put stores body at chunkNo unless the slot is already filled. It reports
// whether the body was accepted.
func (a *assembly) put(chunkNo int, body []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.complete || chunkNo < 0 || chunkNo >= a.total {
		return false
	}

	if _, exists := a.chunks[chunkNo]; exists {
		return false
	}

	a.chunks[chunkNo] = body
	if len(a.chunks) == a.total {
		close(a.done)
	}

	return true
}

func (a *assembly) missing() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	missing := make([]int, 0)
	for i := 0; i < a.total; i++ {
		if _, ok := a.chunks[i]; !ok {
			missing = append(missing, i)
		}
	}

	return missing
}

// RestoreService requests the chunks of a file from the group and assembles
// the ones delivered back.
type RestoreService struct {
	ledger  *ledger.Ledger
	sender  *sender
	metrics *metrics.PeerMetrics
	tasks   *taskGroup

	retryInterval time.Duration
	restores      cmap.Map[string, *assembly]
}

func NewRestoreService(l *ledger.Ledger, s *sender, m *metrics.PeerMetrics, tasks *taskGroup, retryInterval time.Duration) *RestoreService {
	return &RestoreService{
		ledger:        l,
		sender:        s,
		metrics:       m,
		tasks:         tasks,
		retryInterval: retryInterval,
		restores:      cmap.NewMap[string, *assembly](),
	}
}

// InitiateRestore marks fileID as pending and requests all of its chunks. It
// returns false if a restore of the file is already pending or completed.
func (r *RestoreService) InitiateRestore(ctx context.Context, fileID string) (bool, error) {
	total, ok := r.ledger.ChunkCount(fileID)
	if !ok {
		return false, ErrUnknownChunkCount
	}

	a, loaded := r.restores.LoadOrStore(fileID, newAssembly(total))
	if loaded {
		return false, nil
	}

	r.metrics.RestoresStarted.Inc()
	log.Infow("restore", "status", "restore started", "fileID", fileID, "chunks", total)

	// requests outlive the caller's request, they stop with the peer
	bg := context.WithoutCancel(ctx)

	for i := 0; i < total; i++ {
		r.RequestChunkRestore(bg, fileID, i)
	}

	if r.retryInterval > 0 && total > 0 {
		r.tasks.Go(bg, func(ctx context.Context) {
			r.retryMissing(ctx, fileID, a)
		})
	}

	return true, nil
}

// RequestChunkRestore broadcasts a request for one chunk in the background.
func (r *RestoreService) RequestChunkRestore(ctx context.Context, fileID string, chunkNo int) {
	id := model.NewChunkID(fileID, chunkNo)

	r.tasks.Go(ctx, func(ctx context.Context) {
		msg := protocol.NewRequest(r.sender.version, r.sender.peerID, id)
		if err := r.sender.send(ctx, transport.Control, msg); err != nil {
			log.Warnw("restore", "status", "chunk request failed", "chunk", id.String(), "error", err)
		}
	})
}

// retryMissing re-requests chunks that have not arrived yet every
// retryInterval until the assembly is complete.
func (r *RestoreService) retryMissing(ctx context.Context, fileID string, a *assembly) {
	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			missing := a.missing()
			log.Debugw("restore", "status", "re-requesting missing chunks", "fileID", fileID, "missing", len(missing))
			for _, chunkNo := range missing {
				r.RequestChunkRestore(ctx, fileID, chunkNo)
			}
		}
	}
}

// Deliver hands a received chunk to the pending restore of its file. It
// reports false when the file is not being restored or the slot was taken.
func (r *RestoreService) Deliver(id model.ChunkID, body []byte) bool {
	a, ok := r.restores.Get(id.FileID)
	if !ok {
		return false
	}

	return a.put(id.ChunkNo, body)
}

func (r *RestoreService) RestoreState(fileID string) RestoreState {
	a, ok := r.restores.Get(fileID)
	if !ok {
		return RestoreNotRequested
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.complete {
		return RestoreComplete
	}

	return RestorePending
}

// WriteRestoredChunks waits until every chunk of fileID has arrived and writes
// them to path in chunk order. The buffered chunks are released afterwards.
func (r *RestoreService) WriteRestoredChunks(ctx context.Context, path string, fileID string) (int64, error) {
	a, ok := r.restores.Get(fileID)
	if !ok {
		return 0, ErrRestoreNotPending
	}

	select {
	case <-a.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.mu.Lock()
	if a.complete {
		a.mu.Unlock()
		return 0, ErrRestoreCompleted
	}
	chunks := a.chunks
	a.mu.Unlock()

	written, err := writeChunks(path, chunks, a.total)
	if err != nil {
		log.Errorw("restore", "status", "writing restored file failed", "fileID", fileID, "path", path, "error", err)
		return 0, err
	}

	a.mu.Lock()
	a.chunks = nil
	a.complete = true
	a.mu.Unlock()

	r.metrics.RestoresCompleted.Inc()
	log.Infow("restore", "status", "file restored", "fileID", fileID, "path", path, "bytes", written)

	return written, nil
}

// writeChunks writes to a temporary file next to path and renames it into
// place so a failed restore never leaves a partial file behind.
func writeChunks(path string, chunks map[int][]byte, total int) (int64, error) {
	dir := filepath.Dir(path)
	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return 0, err
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".restore-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(f.Name())

	var written int64
	for i := 0; i < total; i++ {
		n, err := f.Write(chunks[i])
		written += int64(n)
		if err != nil {
			f.Close()
			return written, fmt.Errorf("write chunk %d: %w", i, err)
		}
	}

	err = f.Close()
	if err != nil {
		return written, err
	}

	err = os.Rename(f.Name(), path)
	if err != nil {
		return written, err
	}

	return written, nil
}
