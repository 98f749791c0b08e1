package ledger

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyropy/dbs/core/model"
)

func TestRecordConfirmationIsIdempotent(t *testing.T) {
	l := New()
	id := model.NewChunkID("f", 0)

	_, ok := l.ConfirmedCount(id)
	assert.False(t, ok)

	assert.Equal(t, 1, l.RecordConfirmation(id, "peer-a"))
	assert.Equal(t, 1, l.RecordConfirmation(id, "peer-a"))
	assert.Equal(t, 2, l.RecordConfirmation(id, "peer-b"))

	count, ok := l.ConfirmedCount(id)
	require.True(t, ok)
	assert.Equal(t, 2, count)
	assert.Equal(t, []string{"peer-a", "peer-b"}, l.Confirmers(id))
}

func TestRecordConfirmationConcurrentDuplicates(t *testing.T) {
	l := New()
	id := model.NewChunkID("f", 1)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.RecordConfirmation(id, fmt.Sprintf("peer-%d", i%4))
		}(i)
	}
	wg.Wait()

	count, _ := l.ConfirmedCount(id)
	assert.Equal(t, 4, count)
}

func TestRegisterLocalChunkOnce(t *testing.T) {
	l := New()
	id := model.NewChunkID("f", 2)

	assert.False(t, l.HasLocalChunk(id))
	assert.True(t, l.RegisterLocalChunk(id, 3))
	assert.False(t, l.RegisterLocalChunk(id, 3))

	l.CommitLocalChunk(id)
	assert.True(t, l.HasLocalChunk(id))
	assert.False(t, l.RegisterLocalChunk(id, 3))

	degree, ok := l.ReplicationDegree("f")
	require.True(t, ok)
	assert.Equal(t, 3, degree)
}

func TestRegisterLocalChunkConcurrentDuplicates(t *testing.T) {
	l := New()
	id := model.NewChunkID("f", 0)

	var wg sync.WaitGroup
	var winners int32
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.RegisterLocalChunk(id, 1) {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners)
}

func TestRegisterLocalChunkOnlyFirstChunkSetsDegree(t *testing.T) {
	l := New()

	for i, degree := range []int{2, 5} {
		id := model.NewChunkID("f", i)
		l.RegisterLocalChunk(id, degree)
		l.CommitLocalChunk(id)
	}

	degree, _ := l.ReplicationDegree("f")
	assert.Equal(t, 2, degree)
	assert.Equal(t, []int{0, 1}, l.LocalChunks("f"))
}

func TestRegisterFileReplicationDegreeOverwrites(t *testing.T) {
	l := New()

	l.RegisterFileReplicationDegree("f", 1)
	l.RegisterFileReplicationDegree("f", 4)

	degree, _ := l.ReplicationDegree("f")
	assert.Equal(t, 4, degree)
}

func TestForgetLocalChunk(t *testing.T) {
	l := New()
	id := model.NewChunkID("f", 0)

	l.ForgetLocalChunk(id)
	require.True(t, l.RegisterLocalChunk(id, 1))

	l.ForgetLocalChunk(id)
	assert.False(t, l.HasLocalChunk(id))
	assert.True(t, l.RegisterLocalChunk(id, 1))
}

func TestUncommittedChunkIsNotLocal(t *testing.T) {
	l := New()
	id := model.NewChunkID("f", 1)

	require.True(t, l.RegisterLocalChunk(id, 1))
	assert.False(t, l.HasLocalChunk(id))
	assert.Empty(t, l.LocalChunks("f"))

	// a second claim while the first is still persisting loses
	assert.False(t, l.RegisterLocalChunk(id, 1))

	l.CommitLocalChunk(id)
	assert.True(t, l.HasLocalChunk(id))
	assert.Equal(t, []int{1}, l.LocalChunks("f"))
}

func TestCommitUnregisteredChunkIsNoop(t *testing.T) {
	l := New()
	id := model.NewChunkID("f", 0)

	l.CommitLocalChunk(id)
	assert.False(t, l.HasLocalChunk(id))

	l.RegisterLocalChunk(model.NewChunkID("f", 1), 1)
	l.CommitLocalChunk(id)
	assert.False(t, l.HasLocalChunk(id))
}

func TestSetChunkCountFirstWriterWins(t *testing.T) {
	l := New()

	_, ok := l.ChunkCount("f")
	assert.False(t, ok)

	assert.True(t, l.SetChunkCount("f", 3))
	assert.False(t, l.SetChunkCount("f", 7))

	n, ok := l.ChunkCount("f")
	require.True(t, ok)
	assert.Equal(t, 3, n)
}
