// Package metrics provides Prometheus metrics for a backup peer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used with MessagesDropped.
const (
	DropMalformed      = "malformed"
	DropUnknownKind    = "unknown_kind"
	DropSelf           = "self"
	DropQueueFull      = "queue_full"
	DropRateLimited    = "rate_limited"
	DropNoChunk        = "no_local_chunk"
	DropPersisting     = "chunk_persisting"
	DropRestoreIgnored = "restore_ignored"
)

// Backup outcomes used with BackupsCompleted.
const (
	BackupSucceeded       = "succeeded"
	BackupUnderReplicated = "under_replicated"
	BackupCanceled        = "canceled"
)

// PeerMetrics holds all metrics of one peer.
type PeerMetrics struct {
	MessagesReceived *prometheus.CounterVec // labels: kind
	MessagesSent     *prometheus.CounterVec // labels: kind
	MessagesDropped  *prometheus.CounterVec // labels: reason
	SendErrors       *prometheus.CounterVec // labels: channel

	ChunksStored      prometheus.Counter
	ChunkStoreErrors  prometheus.Counter
	BackupsCompleted  *prometheus.CounterVec // labels: result
	BackupAttempts    prometheus.Histogram
	RestoresStarted   prometheus.Counter
	RestoresCompleted prometheus.Counter
}

// NewRegistry returns a registry with the standard Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return reg
}

// InitMetrics registers the peer metrics on reg with the peer id as a constant label.
func InitMetrics(reg prometheus.Registerer, peerID string) *PeerMetrics {
	constLabels := prometheus.Labels{
		"peer": peerID,
	}
	factory := promauto.With(reg)

	return &PeerMetrics{
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "dbs_messages_received_total",
			Help:        "Protocol messages accepted for handling",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "dbs_messages_sent_total",
			Help:        "Protocol messages broadcast by this peer",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "dbs_messages_dropped_total",
			Help:        "Inbound datagrams dropped before or during handling",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		SendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "dbs_send_errors_total",
			Help:        "Transport send failures",
			ConstLabels: constLabels,
		}, []string{"channel"}),
		ChunksStored: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dbs_chunks_stored_total",
			Help:        "Chunks stored on behalf of other peers",
			ConstLabels: constLabels,
		}),
		ChunkStoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dbs_chunk_store_errors_total",
			Help:        "Chunk persistence failures",
			ConstLabels: constLabels,
		}),
		BackupsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "dbs_chunk_backups_total",
			Help:        "Finished chunk backups by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		BackupAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "dbs_chunk_backup_attempts",
			Help:        "Announce attempts used per chunk backup",
			Buckets:     []float64{1, 2, 3, 4, 5},
			ConstLabels: constLabels,
		}),
		RestoresStarted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dbs_restores_started_total",
			Help:        "File restores initiated",
			ConstLabels: constLabels,
		}),
		RestoresCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dbs_restores_completed_total",
			Help:        "File restores written to disk",
			ConstLabels: constLabels,
		}),
	}
}
