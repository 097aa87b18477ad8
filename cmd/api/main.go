package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"crashengine/internal/server"
)

func main() {
	srv := server.New()
	srv.RegisterFiberRoutes()

	done := make(chan bool, 1)
	go gracefulShutdown(srv, done)

	port, _ := strconv.Atoi(os.Getenv("PORT"))
	if port == 0 {
		port = 8080
	}
	if err := srv.Listen(fmt.Sprintf(":%d", port)); err != nil {
		log.Printf("[MAIN] Server stopped: %v", err)
	}

	<-done
	log.Println("[MAIN] Graceful shutdown complete")
}

func gracefulShutdown(srv *server.FiberServer, done chan bool) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[MAIN] Shutting down gracefully, press Ctrl+C again to force")

	// Force the open round terminal before the listener goes away.
	if err := srv.Shutdown(); err != nil {
		log.Printf("[MAIN] Shutdown error: %v", err)
	}
	if err := srv.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("[MAIN] Listener shutdown error: %v", err)
	}

	done <- true
}
