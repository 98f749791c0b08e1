package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	ds "github.com/ipfs/go-datastore"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/pyropy/dbs/core/constants"
	"github.com/pyropy/dbs/core/ledger"
	"github.com/pyropy/dbs/core/metrics"
	"github.com/pyropy/dbs/core/model"
	"github.com/pyropy/dbs/core/transport"
	"github.com/pyropy/dbs/lib/checksum"
	"github.com/pyropy/dbs/lib/logger"
)

var log, _ = logger.New("peer")

var (
	ErrInvalidDegree  = errors.New("replication degree must be at least 1")
	ErrNotRegularFile = errors.New("not a regular file")
)

var peerIDKey = ds.NewKey("/peer/id")

// Peer is one member of the backup group. It stores chunks announced by other
// peers, backs up and restores its own files, and answers chunk requests.
type Peer struct {
	*BackupService
	*RestoreService
	*Dispatcher

	ID      string
	Cfg     *Config
	Ledger  *ledger.Ledger
	Chunks  *ChunkStore
	Files   *FileMetadataStore
	Metrics *metrics.PeerMetrics

	transport transport.Transport
	store     ds.Datastore
	tasks     *taskGroup
}

// NewPeer wires a peer on top of the given transport and datastore and loads
// previously stored chunks and files into its ledger. The peer owns t and
// store and closes them in Close.
func NewPeer(ctx context.Context, cfg *Config, t transport.Transport, store ds.Datastore, reg prometheus.Registerer) (*Peer, error) {
	id, err := resolvePeerID(ctx, store, cfg.Peer.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve peer id: %w", err)
	}

	l := ledger.New()
	m := metrics.InitMetrics(reg, id)
	tasks := newTaskGroup()
	s := &sender{
		transport: t,
		metrics:   m,
		version:   cfg.Peer.ProtocolVersion,
		peerID:    id,
	}

	chunks := NewChunkStore(store, cfg.Store.CacheSize)
	restore := NewRestoreService(l, s, m, tasks, cfg.Restore.RetryInterval)
	dispatcherCfg := DispatcherConfig{
		ConfirmJitter: cfg.Dispatch.ConfirmJitter,
		Workers:       cfg.Dispatch.Workers,
		QueueSize:     cfg.Dispatch.QueueSize,
		RateLimit:     cfg.Dispatch.RateLimit,
		RateBurst:     cfg.Dispatch.RateBurst,
	}

	p := &Peer{
		BackupService:  NewBackupService(l, s, m, tasks, cfg.Backup.Interval, cfg.Backup.MaxAttempts),
		RestoreService: restore,
		Dispatcher:     NewDispatcher(dispatcherCfg, l, chunks, restore, s, t, m),
		ID:             id,
		Cfg:            cfg,
		Ledger:         l,
		Chunks:         chunks,
		Files:          NewFileMetadataStore(store),
		Metrics:        m,
		transport:      t,
		store:          store,
		tasks:          tasks,
	}

	err = p.load(ctx)
	if err != nil {
		return nil, err
	}

	return p, nil
}

// resolvePeerID prefers the configured id, then one persisted by an earlier
// run, and otherwise generates and persists a new one.
func resolvePeerID(ctx context.Context, store ds.Datastore, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	b, err := store.Get(ctx, peerIDKey)
	if err == nil {
		return string(b), nil
	}
	if !errors.Is(err, ds.ErrNotFound) {
		return "", err
	}

	id := uuid.NewString()
	err = store.Put(ctx, peerIDKey, []byte(id))
	if err != nil {
		return "", err
	}

	return id, nil
}

// load rebuilds the ledger from the stores.
func (p *Peer) load(ctx context.Context) error {
	records, err := p.Chunks.All(ctx)
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}

	for _, r := range records {
		p.Ledger.RegisterLocalChunk(r.ChunkID, r.Degree)
		p.Ledger.CommitLocalChunk(r.ChunkID)
	}

	files, err := p.Files.All(ctx)
	if err != nil {
		return fmt.Errorf("load files: %w", err)
	}

	for _, f := range files {
		p.RegisterFile(f.ID, f.ReplicationDegree)
		p.RegisterNumChunks(f.ID, f.NumChunks)
	}

	log.Infow("startup", "status", "ledger loaded", "peerID", p.ID, "chunks", len(records), "files", len(files))
	return nil
}

// Run processes inbound messages until ctx is done or the peer is closed.
// It returns ErrPeerClosed when called after Close.
func (p *Peer) Run(ctx context.Context) error {
	done := make(chan error, 1)

	started := p.tasks.Go(ctx, func(ctx context.Context) {
		done <- p.Dispatcher.Start(ctx)
	})
	if !started {
		return ErrPeerClosed
	}

	err := <-done
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}

	return err
}

// Close stops the dispatcher and background backups and restores, waits for
// in-flight handlers to return and then releases the transport and the
// datastore.
func (p *Peer) Close() error {
	p.tasks.Stop()

	return errors.Join(p.transport.Close(), p.store.Close())
}

// RegisterFile sets the desired replication degree of a file.
func (p *Peer) RegisterFile(fileID string, degree int) {
	p.Ledger.RegisterFileReplicationDegree(fileID, degree)
}

// RegisterNumChunks records how many chunks a file has. Only the first call
// for a file has an effect.
func (p *Peer) RegisterNumChunks(fileID string, n int) bool {
	return p.Ledger.SetChunkCount(fileID, n)
}

// BackupFile splits the file at path into chunks and backs all of them up
// with the given degree. A file whose size is a multiple of the chunk size
// gets a trailing empty chunk. Under-replicated chunks are reported in the
// results, err is only set when the file could not be read or registered.
func (p *Peer) BackupFile(ctx context.Context, path string, degree int) (*model.FileMetadata, []BackupResult, error) {
	if degree < 1 {
		return nil, nil, ErrInvalidDegree
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}

	if !info.Mode().IsRegular() {
		return nil, nil, ErrNotRegularFile
	}

	fileID := checksum.FileID(absPath, info.Size(), info.ModTime())
	numChunks := int(info.Size()/constants.CHUNK_SIZE_BYTES) + 1
	metadata := model.NewFileMetadata(fileID, absPath, info.Size(), info.ModTime(), numChunks, degree)

	replaced, err := p.Files.CheckFileExists(ctx, absPath)
	if err != nil {
		return nil, nil, err
	}
	if replaced {
		log.Infow("backup", "status", "replacing earlier backup of path", "path", absPath)
	}

	p.RegisterFile(fileID, degree)
	p.RegisterNumChunks(fileID, numChunks)

	err = p.Files.AddNewFileMetadata(ctx, metadata)
	if err != nil {
		return nil, nil, err
	}

	log.Infow("backup", "status", "file backup started", "path", absPath, "fileID", fileID, "chunks", numChunks, "degree", degree)

	results := make([]BackupResult, numChunks)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Cfg.Backup.Parallelism)

	for i := 0; i < numChunks; i++ {
		chunkNo := i
		g.Go(func() error {
			data, err := readChunk(f, chunkNo)
			if err != nil {
				return fmt.Errorf("read chunk %d: %w", chunkNo, err)
			}

			results[chunkNo] = <-p.RequestChunkBackup(gctx, fileID, chunkNo, degree, data)
			return nil
		})
	}

	err = g.Wait()
	if err != nil {
		return &metadata, results, err
	}

	return &metadata, results, nil
}

func readChunk(f *os.File, chunkNo int) ([]byte, error) {
	buf := make([]byte, constants.CHUNK_SIZE_BYTES)

	n, err := f.ReadAt(buf, int64(chunkNo)*constants.CHUNK_SIZE_BYTES)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	return buf[:n], nil
}

// RestoreFile restores the file that was backed up from path and writes it to dest.
func (p *Peer) RestoreFile(ctx context.Context, path string, dest string) (*model.FileMetadata, int64, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, 0, err
	}

	metadata, err := p.Files.Get(ctx, absPath)
	if err != nil {
		return nil, 0, err
	}

	p.RegisterNumChunks(metadata.ID, metadata.NumChunks)

	started, err := p.InitiateRestore(ctx, metadata.ID)
	if err != nil {
		return metadata, 0, err
	}

	if !started && p.RestoreState(metadata.ID) == RestoreComplete {
		return metadata, 0, ErrRestoreCompleted
	}

	written, err := p.WriteRestoredChunks(ctx, dest, metadata.ID)
	if err != nil {
		return metadata, written, err
	}

	return metadata, written, nil
}

// FileStatus is a backed up file with the perceived degree of each chunk.
type FileStatus struct {
	model.FileMetadata
	Confirmed []int
}

// ListFiles returns every file this peer backed up, sorted by path.
func (p *Peer) ListFiles(ctx context.Context) ([]FileStatus, error) {
	files, err := p.Files.All(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]FileStatus, 0, len(files))
	for _, f := range files {
		confirmed := make([]int, f.NumChunks)
		for i := range confirmed {
			confirmed[i], _ = p.Ledger.ConfirmedCount(model.NewChunkID(f.ID, i))
		}

		statuses = append(statuses, FileStatus{FileMetadata: *f, Confirmed: confirmed})
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Path < statuses[j].Path
	})

	return statuses, nil
}

// StoredChunk is a chunk stored for another peer with its perceived degree.
type StoredChunk struct {
	model.ChunkID
	Degree    int
	Confirmed int
}

// StoredChunks lists the chunks this peer stores for the group.
func (p *Peer) StoredChunks(ctx context.Context) ([]StoredChunk, error) {
	records, err := p.Chunks.All(ctx)
	if err != nil {
		return nil, err
	}

	chunks := make([]StoredChunk, 0, len(records))
	for _, r := range records {
		confirmed, _ := p.Ledger.ConfirmedCount(r.ChunkID)
		chunks = append(chunks, StoredChunk{ChunkID: r.ChunkID, Degree: r.Degree, Confirmed: confirmed})
	}

	sort.Slice(chunks, func(i, j int) bool {
		if c := strings.Compare(chunks[i].FileID, chunks[j].FileID); c != 0 {
			return c < 0
		}
		return chunks[i].ChunkNo < chunks[j].ChunkNo
	})

	return chunks, nil
}
