// cmd/kvregd is the process entrypoint for one replica of the atomic
// register service: it builds the full stack from a Configuration,
// starts the wire-protocol listener and the admin HTTP side channel, and
// shuts down gracefully on SIGINT/SIGTERM.
//
// Example, three-process deployment, one invocation per process:
//
//	kvregd -config replica1.toml
//	kvregd -config replica2.toml
//	kvregd -config replica3.toml
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"distributed-register/internal/admin"
	"distributed-register/internal/config"
	"distributed-register/internal/executor"
	"distributed-register/internal/logging"
	"distributed-register/internal/metrics"
	"distributed-register/internal/register"
	"distributed-register/internal/registryclient"
	"distributed-register/internal/runtime"
	"distributed-register/internal/sectors"
	"distributed-register/internal/storage"
	"distributed-register/internal/wire"
)

const shardCount = 256

func main() {
	cfg, err := config.FromFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New("kvregd").With(fmt.Sprintf("rank=%d", cfg.SelfRank))

	codec := wire.NewCodec(cfg.Magic, cfg.HMACSystemKey, cfg.HMACClientKey)
	reg := metrics.New()

	sectorsMgr, err := sectors.OpenWithMetrics(filepath.Join(cfg.StorageDir, "sectors"), shardCount, reg)
	if err != nil {
		log.Fatalf("open sectors manager: %v", err)
	}
	metaStore, err := storage.Open(filepath.Join(cfg.StorageDir, "meta"))
	if err != nil {
		log.Fatalf("open metadata store: %v", err)
	}
	metaStore = metaStore.WithMetrics(reg)

	selfRank := byte(cfg.SelfRank)
	addresses := make(map[byte]string, len(cfg.TCPLocations))
	for i, loc := range cfg.TCPLocations {
		rank := byte(i + 1)
		if rank != selfRank {
			addresses[rank] = loc.String()
		}
	}

	sys := executor.NewSystem()

	workers := make([]*executor.ModuleRef[register.Worker], shardCount)

	client := registryclient.New(codec, selfRank, addresses, func(cmd wire.Command) {
		idx := systemSectorIdx(cmd)
		executor.Send(workers[idx%uint64(len(workers))], register.SystemFrame{Cmd: cmd})
	})

	if got, want := len(client.Ranks()), len(cfg.TCPLocations); got != want {
		log.Fatalf("registry client addresses cover %d rank(s), want %d (one per configured process)", got, want)
	}

	for i := uint64(0); i < shardCount; i++ {
		w := register.NewWorker(i, shardCount, len(cfg.TCPLocations), selfRank, sectorsMgr, metaStore, client).WithMetrics(reg)
		ref := register.RegisterWorker(sys, w)
		executor.RequestTick(sys, ref, 200*time.Millisecond)
		workers[i] = ref
	}

	rt := runtime.New(codec, cfg.MaxSector, workers).WithMetrics(reg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.ListenAndServe(cfg.TCPLocations[cfg.SelfRank-1].String())
	}()

	var adminSrv *http.Server
	if cfg.AdminAddr != "" {
		router := admin.NewRouter(func() admin.Status {
			return admin.Status{SelfRank: cfg.SelfRank, ProcessCount: len(cfg.TCPLocations), MaxSector: cfg.MaxSector}
		}, reg)
		adminSrv = &http.Server{Addr: cfg.AdminAddr, Handler: router}
		go func() {
			logger.Infof("admin listening on %s", cfg.AdminAddr)
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("admin server: %v", err)
			}
		}()
	}

	logger.Infof("listening on %s (rank %d of %d)", cfg.TCPLocations[cfg.SelfRank-1].String(), cfg.SelfRank, len(cfg.TCPLocations))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		if err != nil {
			logger.Errorf("listener exited: %v", err)
		}
	}

	logger.Infof("shutting down")
	if adminSrv != nil {
		_ = adminSrv.Close()
	}
	_ = rt.Close()
	sys.Shutdown()
}

func systemSectorIdx(cmd wire.Command) uint64 {
	switch {
	case cmd.ReadProc != nil:
		return cmd.ReadProc.SectorIdx
	case cmd.Value != nil:
		return cmd.Value.SectorIdx
	case cmd.WriteProc != nil:
		return cmd.WriteProc.SectorIdx
	case cmd.Ack != nil:
		return cmd.Ack.SectorIdx
	default:
		return 0
	}
}
