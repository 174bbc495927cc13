package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rebatelabs/rebatehook/cmd"
	"github.com/rebatelabs/rebatehook/utils"

	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		utils.GetLogger().Info("Shutting down gracefully...")
		cancel()
	}()

	if err := cmd.ExecuteContext(ctx); err != nil {
		utils.GetLogger().Fatal("Command failed", zap.Error(err))
	}
	utils.CleanupLogger()
}
