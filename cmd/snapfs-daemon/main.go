// SnapFS daemon - mounts a snapshot-backed working copy and serves its
// control socket.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/radryc/snapfs/internal/channel"
	"github.com/radryc/snapfs/internal/config"
	"github.com/radryc/snapfs/internal/model"
	"github.com/radryc/snapfs/internal/mount"
	"github.com/radryc/snapfs/internal/mountctl"
	"github.com/radryc/snapfs/internal/privhelper"
	"github.com/radryc/snapfs/internal/store"
	"github.com/radryc/snapfs/internal/telemetry"
)

func main() {
	clientDir := flag.String("client", "", "Client state directory (required)")
	mountPath := flag.String("mount", "", "Mount point (required when creating)")
	repoPath := flag.String("repo", "", "Git repository backing the mount (required when creating)")
	initial := flag.String("snapshot", "", "Initial parent snapshot id (required when creating)")
	create := flag.Bool("create", false, "Create a new checkout in the client directory")
	protocol := flag.String("protocol", "", "Kernel transport: fuse or nfs (default from config)")
	nfsAddr := flag.String("nfs-addr", "", "NFS export address when using the nfs protocol")
	metricsAddr := flag.String("metrics", "", "Address for the prometheus metrics endpoint (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *clientDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	mount.InitProcessGeneration(time.Now(), os.Getpid())
	telemetry.Register(prometheus.DefaultRegisterer)

	var cfg *config.CheckoutConfig
	var err error
	if *create {
		if *mountPath == "" || *repoPath == "" || *initial == "" {
			logger.Error("creating a checkout requires -mount, -repo and -snapshot")
			os.Exit(1)
		}
		cfg, err = config.Create(&config.CheckoutConfig{
			MountPath: *mountPath,
			ClientDir: *clientDir,
			RepoPath:  *repoPath,
			Protocol:  config.MountProtocol(*protocol),
		}, model.RootID(*initial))
	} else {
		cfg, err = config.Load(*clientDir)
	}
	if err != nil {
		logger.Error("failed to load checkout config", "error", err)
		os.Exit(1)
	}
	if *protocol != "" {
		cfg.Protocol = config.MountProtocol(*protocol)
	}

	objects, err := store.OpenGitStore(cfg.RepoPath, logger)
	if err != nil {
		logger.Error("failed to open object store", "repo", cfg.RepoPath, "error", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics endpoint stopped", "error", err)
			}
		}()
		logger.Info("metrics endpoint started", "addr", *metricsAddr)
	}

	ctx := context.Background()
	helper := privhelper.NewExecHelper(logger)
	mnt := mount.New(mount.Options{
		Config:   cfg,
		Store:    objects,
		Helper:   helper,
		Logger:   logger,
		OwnerUID: uint32(os.Getuid()),
		OwnerGID: uint32(os.Getgid()),
	})
	if err := mnt.Initialize(ctx, nil); err != nil {
		logger.Error("mount initialization failed", "error", err)
		os.Exit(1)
	}

	var transport channel.Transport
	switch cfg.Protocol {
	case config.ProtocolNFS:
		if *nfsAddr == "" {
			logger.Error("nfs protocol requires -nfs-addr")
			os.Exit(1)
		}
		transport = channel.NewNFSChannel(cfg.MountPath, *nfsAddr, helper, logger)
	default:
		transport = channel.NewFuseChannel(cfg.MountPath, mnt.FileSystem(), *debug, logger)
	}
	if err := mnt.StartChannel(ctx, transport); err != nil {
		logger.Error("channel start failed", "error", err)
		if _, serr := mnt.Shutdown(ctx, false); serr != nil {
			logger.Error("shutdown after failed start", "error", serr)
		}
		os.Exit(1)
	}

	handler, err := mountctl.NewHandler(mnt, transport, logger)
	if err != nil {
		logger.Error("control socket setup failed", "error", err)
		if uerr := mnt.Unmount(ctx); uerr != nil {
			logger.Error("unmount failed", "error", uerr)
		}
		if _, serr := mnt.Shutdown(ctx, false); serr != nil {
			logger.Error("shutdown failed", "error", serr)
		}
		os.Exit(1)
	}
	handler.Start()

	logger.Info("snapfs-daemon running",
		"mount", cfg.MountPath,
		"client", cfg.ClientDir,
		"parent", string(mnt.Parent()),
		"protocol", string(cfg.Protocol),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		if _, err := mnt.WaitForChannelCompletion(ctx); err == nil {
			close(done)
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", "signal", sig.String())
		if err := mnt.Unmount(ctx); err != nil {
			logger.Error("unmount failed", "error", err)
		}
	case <-done:
		logger.Info("kernel session ended externally, shutting down")
	}

	handler.Stop()
	if _, err := mnt.Shutdown(ctx, false); err != nil {
		logger.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("snapfs-daemon stopped")
}
