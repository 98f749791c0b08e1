package peer

import (
	"time"
)

type BackupFileArgs struct {
	Path              string
	ReplicationDegree int
}

type ChunkBackup struct {
	ChunkNo   int
	Attempts  int
	Confirmed int
	Error     string // empty when the desired degree was reached
}

type BackupFileReply struct {
	FileID    string
	NumChunks int
	Chunks    []ChunkBackup
}

type RestoreFileArgs struct {
	Path string
	Dest string
}

type RestoreFileReply struct {
	FileID       string
	BytesWritten int64
}

type ListFilesArgs struct {
}

type File struct {
	ID                string
	Path              string
	Size              int64
	ModTime           time.Time
	NumChunks         int
	ReplicationDegree int
	Confirmed         []int // perceived degree per chunk
}

type ListFilesReply struct {
	Files []File
}

type StatusArgs struct {
}

type StoredChunk struct {
	FileID    string
	ChunkNo   int
	Degree    int
	Confirmed int
}

type StatusReply struct {
	PeerID          string
	ProtocolVersion string
	StoredChunks    []StoredChunk
}

type IPeer interface {
	BackupFile(args *BackupFileArgs, reply *BackupFileReply) error
	RestoreFile(args *RestoreFileArgs, reply *RestoreFileReply) error
	ListFiles(args *ListFilesArgs, reply *ListFilesReply) error
	Status(args *StatusArgs, reply *StatusReply) error
}
