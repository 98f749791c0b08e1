package model

import "fmt"

// ChunkID identifies a chunk across the whole peer group.
type ChunkID struct {
	FileID  string
	ChunkNo int
}

func NewChunkID(fileID string, chunkNo int) ChunkID {
	return ChunkID{FileID: fileID, ChunkNo: chunkNo}
}

func (c ChunkID) String() string {
	return fmt.Sprintf("%s_%d", c.FileID, c.ChunkNo)
}

// ChunkRecord is a chunk this peer stores on behalf of the group, together
// with the replication degree its file had when the chunk was first stored.
type ChunkRecord struct {
	ChunkID
	Degree int
	Data   []byte
}
