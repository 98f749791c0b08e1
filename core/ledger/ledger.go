package ledger

import (
	"sort"
	"sync"

	"github.com/pyropy/dbs/core/model"
	"github.com/pyropy/dbs/lib/cmap"
)

// Ledger holds what this peer has learned about files and chunks from its own
// actions and from broadcast announcements. Every operation locks at most one
// key, there is no lock spanning the whole ledger.
type Ledger struct {
	degrees       cmap.Map[string, int]
	chunkCounts   cmap.Map[string, int]
	localChunks   cmap.Map[string, *chunkSet]
	confirmations cmap.Map[model.ChunkID, *peerSet]
}

// chunkSet maps chunk numbers to whether their bytes are persisted. A chunk
// registered but not yet committed is still being written.
type chunkSet struct {
	mu     sync.Mutex
	chunks map[int]bool
}

type peerSet struct {
	mu    sync.Mutex
	peers map[string]struct{}
}

func New() *Ledger {
	return &Ledger{
		degrees:       cmap.NewMap[string, int](),
		chunkCounts:   cmap.NewMap[string, int](),
		localChunks:   cmap.NewMap[string, *chunkSet](),
		confirmations: cmap.NewMap[model.ChunkID, *peerSet](),
	}
}

// RegisterFileReplicationDegree sets the desired degree of a file, replacing
// any earlier value.
func (l *Ledger) RegisterFileReplicationDegree(fileID string, degree int) {
	l.degrees.Set(fileID, degree)
}

func (l *Ledger) ReplicationDegree(fileID string) (int, bool) {
	return l.degrees.Get(fileID)
}

// RegisterLocalChunk claims the chunk for this peer. It returns true only for
// the first registration of id, whose caller must then persist the chunk and
// either CommitLocalChunk or ForgetLocalChunk it. The first chunk registered
// for a file also registers the file's replication degree.
func (l *Ledger) RegisterLocalChunk(id model.ChunkID, degree int) bool {
	set, loaded := l.localChunks.LoadOrStore(id.FileID, &chunkSet{chunks: map[int]bool{}})
	if !loaded {
		l.RegisterFileReplicationDegree(id.FileID, degree)
	}

	set.mu.Lock()
	defer set.mu.Unlock()

	if _, exists := set.chunks[id.ChunkNo]; exists {
		return false
	}

	set.chunks[id.ChunkNo] = false
	return true
}

// CommitLocalChunk marks a registered chunk as persisted. Only committed
// chunks count as stored by this peer.
func (l *Ledger) CommitLocalChunk(id model.ChunkID) {
	set, exists := l.localChunks.Get(id.FileID)
	if !exists {
		return
	}

	set.mu.Lock()
	defer set.mu.Unlock()

	if _, registered := set.chunks[id.ChunkNo]; registered {
		set.chunks[id.ChunkNo] = true
	}
}

// ForgetLocalChunk undoes RegisterLocalChunk for a chunk whose bytes could not
// be persisted.
func (l *Ledger) ForgetLocalChunk(id model.ChunkID) {
	set, exists := l.localChunks.Get(id.FileID)
	if !exists {
		return
	}

	set.mu.Lock()
	defer set.mu.Unlock()

	delete(set.chunks, id.ChunkNo)
}

// HasLocalChunk reports whether id is committed. A chunk still being
// persisted is not reported.
func (l *Ledger) HasLocalChunk(id model.ChunkID) bool {
	set, exists := l.localChunks.Get(id.FileID)
	if !exists {
		return false
	}

	set.mu.Lock()
	defer set.mu.Unlock()

	return set.chunks[id.ChunkNo]
}

// LocalChunks returns the sorted numbers of the committed chunks of fileID.
func (l *Ledger) LocalChunks(fileID string) []int {
	set, exists := l.localChunks.Get(fileID)
	if !exists {
		return []int{}
	}

	set.mu.Lock()
	chunks := make([]int, 0, len(set.chunks))
	for chunkNo, stored := range set.chunks {
		if stored {
			chunks = append(chunks, chunkNo)
		}
	}
	set.mu.Unlock()

	sort.Ints(chunks)
	return chunks
}

// RecordConfirmation adds peerID to the peers known to store id and returns
// the resulting number of distinct peers. Repeated calls with the same peer
// do not change the count.
func (l *Ledger) RecordConfirmation(id model.ChunkID, peerID string) int {
	set, _ := l.confirmations.LoadOrStore(id, &peerSet{peers: map[string]struct{}{}})

	set.mu.Lock()
	defer set.mu.Unlock()

	set.peers[peerID] = struct{}{}
	return len(set.peers)
}

// ConfirmedCount returns the perceived replication degree of id.
func (l *Ledger) ConfirmedCount(id model.ChunkID) (int, bool) {
	set, exists := l.confirmations.Get(id)
	if !exists {
		return 0, false
	}

	set.mu.Lock()
	defer set.mu.Unlock()

	return len(set.peers), true
}

// Confirmers returns the sorted ids of the peers that confirmed id.
func (l *Ledger) Confirmers(id model.ChunkID) []string {
	set, exists := l.confirmations.Get(id)
	if !exists {
		return []string{}
	}

	set.mu.Lock()
	peers := make([]string, 0, len(set.peers))
	for p := range set.peers {
		peers = append(peers, p)
	}
	set.mu.Unlock()

	sort.Strings(peers)
	return peers
}

// SetChunkCount registers the number of chunks of fileID. Only the first call
// for a file is accepted.
func (l *Ledger) SetChunkCount(fileID string, n int) bool {
	_, loaded := l.chunkCounts.LoadOrStore(fileID, n)
	return !loaded
}

func (l *Ledger) ChunkCount(fileID string) (int, bool) {
	return l.chunkCounts.Get(fileID)
}
