package model

import "time"

// FileMetadata describes a local file this peer has backed up.
type FileMetadata struct {
	ID                string
	Path              string
	Size              int64
	ModTime           time.Time
	NumChunks         int
	ReplicationDegree int
}

type FilePath = string

func NewFileMetadata(id string, path string, size int64, modTime time.Time, numChunks, degree int) FileMetadata {
	return FileMetadata{
		ID:                id,
		Path:              path,
		Size:              size,
		ModTime:           modTime,
		NumChunks:         numChunks,
		ReplicationDegree: degree,
	}
}
