package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"

	"github.com/pyropy/dbs/core/model"
	"github.com/pyropy/dbs/lib/cache"
)

var (
	ErrChunkDoesNotExist = errors.New("chunk does not exist")
)

var (
	chunkDataPrefix = ds.NewKey("/chunks/data")
	chunkMetaPrefix = ds.NewKey("/chunks/meta")
)

// chunkMeta is what gets persisted next to the chunk bytes. Its presence marks
// the chunk as completely written.
type chunkMeta struct {
	FileID  string
	ChunkNo int
	Degree  int
	Size    int
}

// ChunkStore persists chunks stored on behalf of other peers.
type ChunkStore struct {
	Chunks ds.Datastore

	cache *cache.LRU[model.ChunkID, []byte]
}

func NewChunkStore(store ds.Datastore, cacheSize int) *ChunkStore {
	return &ChunkStore{
		Chunks: store,
		cache:  cache.NewLRU[model.ChunkID, []byte](cacheSize),
	}
}

func chunkSuffix(id model.ChunkID) ds.Key {
	return ds.KeyWithNamespaces([]string{url.PathEscape(id.FileID), strconv.Itoa(id.ChunkNo)})
}

func GetChunkDataKey(id model.ChunkID) ds.Key {
	return chunkDataPrefix.Child(chunkSuffix(id))
}

func GetChunkMetaKey(id model.ChunkID) ds.Key {
	return chunkMetaPrefix.Child(chunkSuffix(id))
}

// Put writes the chunk bytes and then its metadata.
func (cs *ChunkStore) Put(ctx context.Context, record model.ChunkRecord) error {
	err := cs.Chunks.Put(ctx, GetChunkDataKey(record.ChunkID), record.Data)
	if err != nil {
		return fmt.Errorf("put chunk data %s: %w", record.ChunkID, err)
	}

	meta, err := json.Marshal(chunkMeta{
		FileID:  record.FileID,
		ChunkNo: record.ChunkNo,
		Degree:  record.Degree,
		Size:    len(record.Data),
	})
	if err != nil {
		return err
	}

	err = cs.Chunks.Put(ctx, GetChunkMetaKey(record.ChunkID), meta)
	if err != nil {
		return fmt.Errorf("put chunk meta %s: %w", record.ChunkID, err)
	}

	return nil
}

// Get returns the bytes of a stored chunk, serving repeated reads from the cache.
func (cs *ChunkStore) Get(ctx context.Context, id model.ChunkID) ([]byte, error) {
	if data, ok := cs.cache.Get(id); ok {
		return data, nil
	}

	data, err := cs.Chunks.Get(ctx, GetChunkDataKey(id))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrChunkDoesNotExist
	}
	if err != nil {
		return nil, err
	}

	cs.cache.Put(id, data)
	return data, nil
}

func (cs *ChunkStore) Has(ctx context.Context, id model.ChunkID) (bool, error) {
	return cs.Chunks.Has(ctx, GetChunkMetaKey(id))
}

// All returns every completely written chunk. Data is left empty.
func (cs *ChunkStore) All(ctx context.Context) ([]model.ChunkRecord, error) {
	q := dsq.Query{Prefix: chunkMetaPrefix.String()}
	records := make([]model.ChunkRecord, 0)

	res, err := cs.Chunks.Query(ctx, q)
	if err != nil {
		return records, err
	}
	defer res.Close()

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}

		if r.Error != nil {
			return records, r.Error
		}

		var meta chunkMeta
		err = json.Unmarshal(r.Value, &meta)
		if err != nil {
			return records, err
		}

		records = append(records, model.ChunkRecord{
			ChunkID: model.NewChunkID(meta.FileID, meta.ChunkNo),
			Degree:  meta.Degree,
		})
	}

	return records, nil
}
