package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lanbeam/lanbeam/internal/hub"
	"github.com/lanbeam/lanbeam/internal/logger"
)

func main() {
	cfg, err := hub.LoadConfig()
	if err != nil {
		log.Fatal(err)
		return
	}

	logger := logger.NewLogger()
	h := hub.NewHub(cfg, logger)

	go func() {
		if err := h.Serve(); err != nil {
			logger.Fatal(err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done
	h.Close()
}
