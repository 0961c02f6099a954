// Command fdfs-trackerd runs the tracker role (C3): storage group/member
// registry, join/heartbeat/election and store/fetch selection over the
// wire commands pkg/proto defines. Grounded on cmd/drainer/main.go's
// parse/InitLogger/signal-handling shape in the teacher.
package main

import (
	"context"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/ngaut/log"

	"github.com/happyfish100/fastdfs-sub015/internal/tracker"
	"github.com/happyfish100/fastdfs-sub015/pkg/config"
	"github.com/happyfish100/fastdfs-sub015/pkg/conn"
	"github.com/happyfish100/fastdfs-sub015/pkg/proto"
)

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())
	rand.Seed(time.Now().UTC().UnixNano())

	cfg := config.NewTrackerConfig()
	if err := cfg.Parse(os.Args[1:]); err != nil {
		log.Fatalf("verifying flags error, see 'fdfs-trackerd --help'. %s", errors.ErrorStack(err))
	}
	cfg.InitLogger()
	log.Infof("use config: %s", cfg.String())

	if err := run(cfg); err != nil {
		log.Fatalf("fdfs-trackerd: %s", errors.ErrorStack(err))
	}
}

func run(cfg *config.TrackerConfig) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return errors.Trace(err)
	}

	persister, err := tracker.NewPersister(cfg.DataDir)
	if err != nil {
		return errors.Trace(err)
	}
	registry, err := persister.Load(cfg.CheckActiveInterval)
	if err != nil {
		return errors.Trace(err)
	}

	selector := tracker.NewSelector(registry, cfg.StoreLookup, cfg.StoreServer, cfg.StorePath, cfg.PreferredGroup, int64(cfg.ReservedStorageSpaceMB))
	svc := tracker.NewService(registry, selector)
	peers := configuredPeers(cfg.TrackerServers)

	addr := cfg.BindAddr + ":" + strconv.Itoa(cfg.Port)
	server := conn.NewServer(addr, cfg.NetworkTimeout)
	server.Handle(proto.CmdStorageJoin, svc.HandleJoin)
	server.Handle(proto.CmdStorageBeat, svc.HandleBeat)
	server.Handle(proto.CmdQueryStoreWithoutGroupOne, svc.HandleQueryStore)
	server.Handle(proto.CmdQueryStoreWithGroupOne, svc.HandleQueryStore)
	server.Handle(proto.CmdQueryFetchOne, svc.HandleQueryFetch)
	server.Handle(proto.CmdQueryFetchAll, svc.HandleQueryFetchAll)
	server.Handle(proto.CmdTrackerGetLeader, func(ctx context.Context, peer net.Addr, req proto.Frame) (byte, []byte, error) {
		return svc.HandleGetLeader(peers)
	})

	stop := make(chan struct{})
	go maintenanceLoop(registry, persister, cfg, stop)

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sc
		log.Infof("got signal [%d] to exit.", sig)
		close(stop)
		server.Close()
		if err := persister.Save(registry); err != nil {
			log.Warnf("fdfs-trackerd: final snapshot save: %v", err)
		}
		os.Exit(0)
	}()

	log.Infof("fdfs-trackerd listening on %s", addr)
	return server.Serve()
}

// maintenanceLoop periodically sweeps for missed heartbeats and
// persists a snapshot of the registry, mirroring the teacher's
// background-ticker shape used for drainer's periodic checkpoint save.
func maintenanceLoop(registry *tracker.Registry, persister *tracker.Persister, cfg *config.TrackerConfig, stop chan struct{}) {
	checkTicker := time.NewTicker(cfg.CheckActiveInterval)
	defer checkTicker.Stop()
	saveTicker := time.NewTicker(cfg.SyncBinlogBuffInterval * 10)
	defer saveTicker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-checkTicker.C:
			registry.DetectOffline(time.Now())
		case <-saveTicker.C:
			if err := persister.Save(registry); err != nil {
				log.Warnf("fdfs-trackerd: persist snapshot: %v", err)
			}
		}
	}
}

// configuredPeers resolves this tracker's peer list (for
// TRACKER_GET_LEADER election) from "host:port" addresses, each entry's
// position in the slice doubling as its election tie-break index.
func configuredPeers(addrs []string) []tracker.TrackerPeer {
	peers := make([]tracker.TrackerPeer, 0, len(addrs))
	for i, addr := range addrs {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			log.Warnf("fdfs-trackerd: skipping malformed tracker_server %q: %v", addr, err)
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Warnf("fdfs-trackerd: skipping malformed tracker_server %q: %v", addr, err)
			continue
		}
		peers = append(peers, tracker.TrackerPeer{IP: host, Port: port, Index: i})
	}
	return peers
}
