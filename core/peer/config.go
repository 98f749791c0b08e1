package peer

import (
	"errors"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/pyropy/dbs/core/transport"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
)

type Config struct {
	Peer struct {
		ID              string `envconfig:"PEER_ID"`
		ProtocolVersion string `envconfig:"PROTOCOL_VERSION" default:"1.0"`
	}
	Channels struct {
		Control     string `envconfig:"MC_ADDR" default:"224.0.0.1:8001"`
		DataBackup  string `envconfig:"MDB_ADDR" default:"224.0.0.2:8002"`
		DataRestore string `envconfig:"MDR_ADDR" default:"224.0.0.3:8003"`
		Interface   string `envconfig:"MULTICAST_IFACE"`
	}
	Store struct {
		Path      string `envconfig:"STORE_PATH" default:"peer-data"`
		CacheSize int    `envconfig:"CHUNK_CACHE_SIZE" default:"64"`
	}
	Backup struct {
		Interval    time.Duration `envconfig:"BACKUP_INTERVAL" default:"1s"`
		MaxAttempts int           `envconfig:"BACKUP_ATTEMPTS" default:"5"`
		Parallelism int           `envconfig:"BACKUP_PARALLELISM" default:"16"`
	}
	Restore struct {
		RetryInterval time.Duration `envconfig:"RESTORE_RETRY_INTERVAL" default:"0s"`
	}
	Dispatch struct {
		ConfirmJitter time.Duration `envconfig:"CONFIRM_JITTER" default:"400ms"`
		Workers       int           `envconfig:"DISPATCH_WORKERS" default:"64"`
		QueueSize     int           `envconfig:"DISPATCH_QUEUE" default:"1024"`
		RateLimit     float64       `envconfig:"RATE_LIMIT" default:"0"`
		RateBurst     int           `envconfig:"RATE_BURST" default:"100"`
	}
	Server struct {
		Host string `envconfig:"SERVER_HOST" default:"localhost"`
		Port int    `envconfig:"SERVER_PORT" default:"1099"`
	}
	Metrics struct {
		Addr string `envconfig:"METRICS_ADDR"`
	}
}

func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values the protocol cannot work with.
func (c *Config) Validate() error {
	switch {
	case strings.ContainsAny(c.Peer.ID, " \r\n"):
		return errors.Join(ErrInvalidConfig, errors.New("PEER_ID must not contain whitespace"))
	case c.Peer.ProtocolVersion == "" || strings.ContainsAny(c.Peer.ProtocolVersion, " \r\n"):
		return errors.Join(ErrInvalidConfig, errors.New("PROTOCOL_VERSION must be a single token"))
	case c.Backup.Interval <= 0:
		return errors.Join(ErrInvalidConfig, errors.New("BACKUP_INTERVAL must be positive"))
	case c.Backup.MaxAttempts < 1:
		return errors.Join(ErrInvalidConfig, errors.New("BACKUP_ATTEMPTS must be at least 1"))
	case c.Backup.Parallelism < 1:
		return errors.Join(ErrInvalidConfig, errors.New("BACKUP_PARALLELISM must be at least 1"))
	case c.Dispatch.ConfirmJitter < 0:
		return errors.Join(ErrInvalidConfig, errors.New("CONFIRM_JITTER must not be negative"))
	case c.Dispatch.Workers < 1 || c.Dispatch.QueueSize < 1:
		return errors.Join(ErrInvalidConfig, errors.New("DISPATCH_WORKERS and DISPATCH_QUEUE must be at least 1"))
	case c.Dispatch.RateLimit < 0:
		return errors.Join(ErrInvalidConfig, errors.New("RATE_LIMIT must not be negative"))
	case c.Dispatch.RateLimit > 0 && c.Dispatch.RateBurst < 1:
		return errors.Join(ErrInvalidConfig, errors.New("RATE_BURST must be at least 1 when RATE_LIMIT is set"))
	}

	return nil
}

// ChannelAddrs maps each channel to its multicast group address.
func (c *Config) ChannelAddrs() map[transport.Channel]string {
	return map[transport.Channel]string{
		transport.Control:     c.Channels.Control,
		transport.DataBackup:  c.Channels.DataBackup,
		transport.DataRestore: c.Channels.DataRestore,
	}
}
