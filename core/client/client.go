package client

import (
	"net/rpc"

	"github.com/pyropy/dbs/lib/logger"
	"github.com/pyropy/dbs/rpc/peer"
)

var log, _ = logger.New("client")

// Client talks to the RPC API of a local peer.
type Client struct {
	RpcClient *rpc.Client
}

func NewClient(peerAddr string) (*Client, error) {
	rpcClient, err := rpc.DialHTTP("tcp", peerAddr)
	if err != nil {
		return nil, err
	}

	return &Client{
		RpcClient: rpcClient,
	}, nil
}

func (c *Client) Close() error {
	return c.RpcClient.Close()
}

func (c *Client) BackupFile(path string, degree int) (*peer.BackupFileReply, error) {
	var reply peer.BackupFileReply
	args := &peer.BackupFileArgs{Path: path, ReplicationDegree: degree}

	err := c.RpcClient.Call("PeerAPI.BackupFile", args, &reply)
	if err != nil {
		return nil, err
	}

	log.Debugw("backup", "fileID", reply.FileID, "chunks", reply.NumChunks)
	return &reply, nil
}

func (c *Client) RestoreFile(path string, dest string) (*peer.RestoreFileReply, error) {
	var reply peer.RestoreFileReply
	args := &peer.RestoreFileArgs{Path: path, Dest: dest}

	err := c.RpcClient.Call("PeerAPI.RestoreFile", args, &reply)
	if err != nil {
		return nil, err
	}

	return &reply, nil
}

func (c *Client) ListFiles() ([]peer.File, error) {
	var reply peer.ListFilesReply

	err := c.RpcClient.Call("PeerAPI.ListFiles", &peer.ListFilesArgs{}, &reply)
	if err != nil {
		return nil, err
	}

	return reply.Files, nil
}

func (c *Client) Status() (*peer.StatusReply, error) {
	var reply peer.StatusReply

	err := c.RpcClient.Call("PeerAPI.Status", &peer.StatusArgs{}, &reply)
	if err != nil {
		return nil, err
	}

	return &reply, nil
}
