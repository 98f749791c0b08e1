package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"os"
	"os/signal"
	"syscall"

	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pyropy/dbs/core/metrics"
	"github.com/pyropy/dbs/core/peer"
	"github.com/pyropy/dbs/core/transport"
	"github.com/pyropy/dbs/lib/logger"
)

var log, _ = logger.New("peer-rpc")

func main() {
	if err := run(); err != nil {
		log.Fatalw("startup", "error", err)
	}
}

func run() error {
	cfg, err := peer.GetConfig()
	if err != nil {
		log.Errorw("startup", "error", "config error")
		return err
	}

	store, err := dslvl.NewDatastore(cfg.Store.Path, nil)
	if err != nil {
		log.Errorw("startup", "error", "open datastore failed", "path", cfg.Store.Path)
		return err
	}

	t, err := transport.NewMulticast(cfg.ChannelAddrs(), cfg.Channels.Interface)
	if err != nil {
		store.Close()
		log.Errorw("startup", "error", "joining multicast groups failed")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := metrics.NewRegistry()
	p, err := peer.NewPeer(ctx, cfg, t, store, reg)
	if err != nil {
		t.Close()
		store.Close()
		return err
	}
	defer p.Close()

	runErr := make(chan error, 1)
	go func() {
		runErr <- p.Run(ctx)
	}()

	rpc.Register(NewPeerAPI(p))
	rpc.HandleHTTP()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		log.Errorw("startup", "error", "net listen failed")
		return err
	}

	listenAddr := l.Addr().String()

	log.Infow("startup", "status", "peer rpc server started", "address", listenAddr, "peerID", p.ID)
	defer log.Infow("shutdown", "status", "peer rpc server stopped", "address", listenAddr)
	go http.Serve(l, nil)

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

		go func() {
			err := http.ListenAndServe(cfg.Metrics.Addr, mux)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("metrics", "error", err)
			}
		}()
		log.Infow("startup", "status", "metrics server started", "address", cfg.Metrics.Addr)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-shutdown:
		log.Infow("shutdown", "status", "peer stopping", "address", listenAddr)
	case err := <-runErr:
		if err != nil {
			log.Errorw("shutdown", "error", "dispatcher failed", "cause", err)
			return err
		}
	}

	return nil
}
