package main

import (
	"github.com/ytsize/ytsize-core/internal/config"
	"github.com/ytsize/ytsize-core/internal/lifecycle"
	"github.com/ytsize/ytsize-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration: %v", err)
	}

	logger.Info("ytsize starting...")

	controller := lifecycle.New(cfg)
	if err := controller.Run(); err != nil {
		logger.Fatal("server error: %v", err)
	}
}
