package main

import (
	platform "CustomDetServe/Adhoc"
	"CustomDetServe/cache"
	"CustomDetServe/config"
	rpc "CustomDetServe/gRPC"
	"CustomDetServe/logger"
	"CustomDetServe/meta"
	"CustomDetServe/monitor"
	"CustomDetServe/router"
	"CustomDetServe/serve"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}

// loadModelMeta builds the class catalog from the names file when one is
// configured and from the class list otherwise.
func loadModelMeta(cfg config.Config) (*meta.ModelMeta, error) {
	names := cfg.Classes
	if cfg.NamesFile != "" {
		var err error
		if names, err = meta.ReadNames(cfg.NamesFile); err != nil {
			return nil, err
		}
	}
	return meta.New(names, nil)
}

func main() {
	loaded, err := config.LoadDebugEnv(".")
	if err != nil {
		fmt.Println("Failed to load debug env:", err)
		os.Exit(1)
	}
	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Println("Failed to load config:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Debug); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Log()
	if len(loaded) > 0 {
		log.Info("Loaded debug env", zap.Strings("files", loaded))
	}

	m, err := loadModelMeta(cfg)
	if err != nil {
		log.Fatal("Failed to build model meta", zap.Error(err))
	}
	defaults, err := config.LoadDefaultSettings(cfg.SettingsPath)
	if err != nil {
		log.Fatal("Failed to load default inference settings", zap.Error(err))
	}

	if len(os.Args) == 3 {
		if err := runDemo(cfg, m, defaults, os.Args[1], os.Args[2]); err != nil {
			log.Fatal("Demo failed", zap.Error(err))
		}
		return
	}
	if err := run(cfg, m, defaults); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg config.Config, m *meta.ModelMeta, defaults *config.DefaultSettings) error {
	log := logger.Log()
	cpuNum := runtime.NumCPU()
	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", cpuNum)
	fmt.Println(" HTTP  Port:", cfg.HTTPPort)
	fmt.Println(" gRPC  Port:", cfg.RPCPort)
	fmt.Println(" Metrics Port:", cfg.MonitorPort)
	fmt.Println("Configured Workers Num:", cfg.WorkersNum, "Engine:", cfg.Engine)
	fmt.Println(strings.Repeat("#", 64))
	if cfg.WorkersNum > cpuNum {
		log.Warn("workersNum exceeds CPU cores, which may lead to performance degradation",
			zap.Int("workers", cfg.WorkersNum), zap.Int("cpus", cpuNum))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := platform.New(cfg.Platform.ServerAddress, cfg.Platform.APIToken,
		time.Duration(cfg.Platform.TimeoutSeconds)*time.Second)
	fileCache, err := cache.Open(cfg.CacheDir)
	if err != nil {
		return err
	}
	defer fileCache.Close()

	weights, err := serve.DownloadWeights(ctx, cfg, client, fileCache)
	if err != nil {
		return err
	}
	detectors, err := serve.Deploy(cfg, m, weights, 0)
	if err != nil {
		return err
	}
	pool := serve.NewPool(detectors)
	pool.Start()
	defer pool.Close()

	mon := monitor.New()
	svc, err := serve.New(serve.Options{
		Meta:               m,
		Defaults:           defaults,
		Session:            cfg.Session,
		ValidateConfidence: cfg.ValidateConfidence,
		Pool:               pool,
		Images:             client,
		Monitor:            mon,
		DataDir:            cfg.DataDir,
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.Start(ctx, cfg.MonitorPort)
	}()
	if cfg.Announce.Enabled {
		ip, err := platform.GetOutboundIP()
		if err != nil {
			log.Warn("Failed to get outbound IP", zap.Error(err))
		}
		announcer := platform.NewAnnouncer(cfg.Announce.RegistryURL,
			time.Duration(cfg.Announce.IntervalSeconds)*time.Second,
			platform.AliveMessage{
				IP:        ip,
				TaskID:    cfg.Platform.TaskID,
				HTTPPort:  cfg.HTTPPort,
				RPCPort:   cfg.RPCPort,
				ModelName: cfg.Session.ModelName,
			})
		wg.Add(1)
		go announcer.Run(ctx, &wg)
	} else {
		log.Info("Announce is disabled, skipping registration")
	}

	grpcServer, err := rpc.StartGRPCServer(cfg.RPCPort, svc)
	if err != nil {
		stop()
		wg.Wait()
		return err
	}
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router.New(svc, router.Options{Debug: cfg.Debug, Log: logger.Named("http")}),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err = <-serveErr:
		log.Error("HTTP server stopped", zap.Error(err))
	}
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	wg.Wait()
	log.Info("Safely exited")
	return err
}
