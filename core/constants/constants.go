package constants

const (
	CHUNK_SIZE_BYTES   = 64000
	MAX_DATAGRAM_BYTES = 65535
)
