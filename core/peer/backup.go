package peer

import (
	"context"
	"errors"
	"time"

	"github.com/pyropy/dbs/core/ledger"
	"github.com/pyropy/dbs/core/metrics"
	"github.com/pyropy/dbs/core/model"
	"github.com/pyropy/dbs/core/protocol"
	"github.com/pyropy/dbs/core/transport"
)

var (
	ErrUnderReplicated = errors.New("desired replication degree not reached")
	ErrPeerClosed      = errors.New("peer closed")
)

// BackupResult is the outcome of backing up one chunk. Err is nil on success,
// ErrUnderReplicated when the attempt budget ran out.
type BackupResult struct {
	ChunkID   model.ChunkID
	Attempts  int
	Confirmed int
	Err       error
}

func (r BackupResult) Succeeded() bool {
	return r.Err == nil
}

// BackupService announces chunks until enough peers confirm storing them.
type BackupService struct {
	ledger  *ledger.Ledger
	sender  *sender
	metrics *metrics.PeerMetrics
	tasks   *taskGroup

	interval    time.Duration
	maxAttempts int
}

func NewBackupService(l *ledger.Ledger, s *sender, m *metrics.PeerMetrics, tasks *taskGroup, interval time.Duration, maxAttempts int) *BackupService {
	return &BackupService{
		ledger:      l,
		sender:      s,
		metrics:     m,
		tasks:       tasks,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

// RequestChunkBackup starts backing up a chunk in the background. The returned
// channel receives exactly one result.
func (b *BackupService) RequestChunkBackup(ctx context.Context, fileID string, chunkNo, degree int, data []byte) <-chan BackupResult {
	id := model.NewChunkID(fileID, chunkNo)
	results := make(chan BackupResult, 1)

	if degree < 1 {
		results <- BackupResult{ChunkID: id, Err: ErrInvalidDegree}
		return results
	}

	started := b.tasks.Go(ctx, func(ctx context.Context) {
		results <- b.backupChunk(ctx, id, degree, data)
	})
	if !started {
		results <- BackupResult{ChunkID: id, Err: ErrPeerClosed}
	}

	return results
}

// backupChunk announces the chunk, then waits attempt x interval before
// checking the perceived degree, for up to maxAttempts attempts.
func (b *BackupService) backupChunk(ctx context.Context, id model.ChunkID, degree int, data []byte) BackupResult {
	result := BackupResult{ChunkID: id}

	msg, err := protocol.Encode(protocol.NewAnnounce(b.sender.version, b.sender.peerID, id, degree, data))
	if err != nil {
		result.Err = err
		return result
	}

	log.Infow("backup", "status", "backup started", "chunk", id.String(), "degree", degree, "size", len(data))

	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		result.Attempts = attempt

		err := b.sender.broadcast(ctx, transport.DataBackup, protocol.KindAnnounce, msg)
		if err != nil {
			log.Warnw("backup", "status", "announce failed", "chunk", id.String(), "attempt", attempt, "error", err)
		}

		err = sleep(ctx, time.Duration(attempt)*b.interval)
		if err != nil {
			result.Err = err
			b.finish(result, metrics.BackupCanceled)
			return result
		}

		result.Confirmed, _ = b.ledger.ConfirmedCount(id)
		if result.Confirmed >= degree {
			log.Infow("backup", "status", "chunk replicated", "chunk", id.String(), "confirmed", result.Confirmed, "attempts", attempt)
			b.finish(result, metrics.BackupSucceeded)
			return result
		}
	}

	log.Warnw("backup", "status", "chunk under-replicated", "chunk", id.String(), "confirmed", result.Confirmed, "degree", degree)
	result.Err = ErrUnderReplicated
	b.finish(result, metrics.BackupUnderReplicated)

	return result
}

func (b *BackupService) finish(result BackupResult, outcome string) {
	b.metrics.BackupsCompleted.WithLabelValues(outcome).Inc()
	b.metrics.BackupAttempts.Observe(float64(result.Attempts))
}
