package main

import (
	"context"

	core "github.com/pyropy/dbs/core/peer"
	rpc "github.com/pyropy/dbs/rpc/peer"
)

type PeerAPI struct {
	peer *core.Peer
}

var _ rpc.IPeer = (*PeerAPI)(nil)

func NewPeerAPI(p *core.Peer) *PeerAPI {
	return &PeerAPI{
		peer: p,
	}
}

// BackupFile backs up a local file and waits for every chunk to finish.
func (a *PeerAPI) BackupFile(args *rpc.BackupFileArgs, reply *rpc.BackupFileReply) error {
	log.Infow("rpc", "event", "PeerAPI.BackupFile", "args", args)

	metadata, results, err := a.peer.BackupFile(context.Background(), args.Path, args.ReplicationDegree)
	if err != nil {
		return err
	}

	reply.FileID = metadata.ID
	reply.NumChunks = metadata.NumChunks
	for _, r := range results {
		chunk := rpc.ChunkBackup{
			ChunkNo:   r.ChunkID.ChunkNo,
			Attempts:  r.Attempts,
			Confirmed: r.Confirmed,
		}
		if r.Err != nil {
			chunk.Error = r.Err.Error()
		}
		reply.Chunks = append(reply.Chunks, chunk)
	}

	return nil
}

// RestoreFile blocks until the file has been reassembled at args.Dest.
func (a *PeerAPI) RestoreFile(args *rpc.RestoreFileArgs, reply *rpc.RestoreFileReply) error {
	log.Infow("rpc", "event", "PeerAPI.RestoreFile", "args", args)

	metadata, written, err := a.peer.RestoreFile(context.Background(), args.Path, args.Dest)
	if err != nil {
		return err
	}

	reply.FileID = metadata.ID
	reply.BytesWritten = written

	return nil
}

func (a *PeerAPI) ListFiles(_ *rpc.ListFilesArgs, reply *rpc.ListFilesReply) error {
	log.Infow("rpc", "event", "PeerAPI.ListFiles")

	files, err := a.peer.ListFiles(context.Background())
	if err != nil {
		return err
	}

	for _, f := range files {
		reply.Files = append(reply.Files, rpc.File{
			ID:                f.ID,
			Path:              f.Path,
			Size:              f.Size,
			ModTime:           f.ModTime,
			NumChunks:         f.NumChunks,
			ReplicationDegree: f.ReplicationDegree,
			Confirmed:         f.Confirmed,
		})
	}

	return nil
}

func (a *PeerAPI) Status(_ *rpc.StatusArgs, reply *rpc.StatusReply) error {
	log.Infow("rpc", "event", "PeerAPI.Status")

	chunks, err := a.peer.StoredChunks(context.Background())
	if err != nil {
		return err
	}

	reply.PeerID = a.peer.ID
	reply.ProtocolVersion = a.peer.Cfg.Peer.ProtocolVersion
	for _, c := range chunks {
		reply.StoredChunks = append(reply.StoredChunks, rpc.StoredChunk{
			FileID:    c.FileID,
			ChunkNo:   c.ChunkNo,
			Degree:    c.Degree,
			Confirmed: c.Confirmed,
		})
	}

	return nil
}
