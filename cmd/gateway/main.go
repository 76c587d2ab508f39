package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alxayo/fcm-gateway/internal/config"
	"github.com/alxayo/fcm-gateway/internal/core"
	"github.com/alxayo/fcm-gateway/internal/hooks"
	"github.com/alxayo/fcm-gateway/internal/logger"
	"github.com/alxayo/fcm-gateway/internal/store"
)

func main() {
	cliCfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cliCfg.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cliCfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cliCfg.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	cfg, err := config.Load(cliCfg.configPath)
	if err != nil {
		log.Error("failed to load configuration", "path", cliCfg.configPath, "error", err)
		os.Exit(1)
	}
	cfg.StorePath = cliCfg.storePath

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Error("failed to open message store", "path", cfg.StorePath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	hm, err := buildHookManager(cliCfg, log)
	if err != nil {
		log.Error("failed to configure hooks", "error", err)
		os.Exit(1)
	}

	app := core.New(cfg, st, hm)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		log.Error("failed to start gateway", "error", err)
		os.Exit(1)
	}

	log.Info("gateway started",
		"bal_addr", fmt.Sprintf("%s:%d", cfg.Server.HostAddress, cfg.Server.PortNo),
		"fcm_addr", fmt.Sprintf("%s:%d", cfg.FCM.HostAddress, cfg.FCM.PortNo),
		"version", version)

	<-ctx.Done()
	log.Info("shutdown signal received")

	done := make(chan struct{})
	go func() {
		app.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		log.Info("gateway stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Error("forced exit after shutdown timeout")
	}
}

// buildHookManager wires any -hook-script/-hook-webhook/-hook-stdio-format
// flags into a HookManager, or returns nil if none were configured.
func buildHookManager(cliCfg *cliConfig, log *slog.Logger) (*hooks.HookManager, error) {
	if len(cliCfg.hookScripts) == 0 && len(cliCfg.hookWebhooks) == 0 && cliCfg.hookStdioFormat == "" {
		return nil, nil
	}

	timeout, err := time.ParseDuration(cliCfg.hookTimeout)
	if err != nil {
		return nil, fmt.Errorf("hook-timeout: %w", err)
	}

	hookCfg := hooks.DefaultHookConfig()
	hookCfg.Timeout = cliCfg.hookTimeout
	hookCfg.Concurrency = cliCfg.hookConcurrency
	hookCfg.StdioFormat = cliCfg.hookStdioFormat

	hm := hooks.NewHookManager(hookCfg, log)

	for _, assignment := range cliCfg.hookScripts {
		evType, scriptPath, _ := strings.Cut(assignment, "=")
		hook := hooks.NewShellHook(evType+"-script", scriptPath, timeout)
		if err := hm.RegisterHook(hooks.EventType(evType), hook); err != nil {
			return nil, fmt.Errorf("register hook-script %q: %w", assignment, err)
		}
	}
	for _, assignment := range cliCfg.hookWebhooks {
		evType, url, _ := strings.Cut(assignment, "=")
		hook := hooks.NewWebhookHook(evType+"-webhook", url, timeout)
		if err := hm.RegisterHook(hooks.EventType(evType), hook); err != nil {
			return nil, fmt.Errorf("register hook-webhook %q: %w", assignment, err)
		}
	}

	return hm, nil
}
