package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailwatch/internal/api"
	"mailwatch/internal/config"
	"mailwatch/internal/database"
	"mailwatch/internal/provider"
	"mailwatch/internal/repository"
	"mailwatch/internal/services"
	"mailwatch/internal/utils"
)

func main() {
	mainLogger := utils.NewLogger("Main")
	mainLogger.Info("Starting Mailwatch Service")

	// Load configuration
	cfg := config.Load()

	// Initialize database
	dbConfig := database.Config{
		Driver:   cfg.Database.Driver,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	}

	if err := database.Initialize(dbConfig); err != nil {
		mainLogger.Error("Failed to initialize database: %v", err)
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	db := database.GetDB()

	// Initialize repositories
	accountRepo := repository.NewAccountRepository(db)
	channelRepo := repository.NewChannelRepository(db)
	handoffRepo := repository.NewHandoffRepository(db)

	// Initialize provider client
	gmailClient := provider.NewGmailClient(provider.Config{
		ProjectID:     cfg.Google.ProjectID,
		ProjectNumber: cfg.Google.ProjectNumber,
		Topic:         cfg.Google.Topic,
		LabelFilter:   cfg.Google.LabelFilter,
		ClientID:      cfg.Google.ClientID,
		ClientSecret:  cfg.Google.ClientSecret,
		Timeout:       cfg.Sync.ProviderTimeout,
		QPS:           cfg.Sync.ProviderQPS,
	})

	// Initialize services
	broker := services.NewEventBroker()
	consumer := services.NewLedgerConsumer(handoffRepo, broker)
	reconciler := services.NewReconciler(gmailClient, accountRepo, consumer)
	registrar := services.NewRegistrar(gmailClient, accountRepo, channelRepo, gmailClient.TopicName(), cfg.Sync)
	trigger := services.NewManualTrigger(registrar, reconciler, accountRepo, cfg.Sync)

	workerPool := services.NewWorkerPool(reconciler, cfg.Sync)
	if err := workerPool.Start(); err != nil {
		mainLogger.Error("Failed to start worker pool: %v", err)
		log.Fatalf("Failed to start worker pool: %v", err)
	}

	if err := registrar.Start(); err != nil {
		mainLogger.Error("Failed to start registrar: %v", err)
		log.Fatalf("Failed to start registrar: %v", err)
	}

	// Initialize API handlers
	apiHandler := api.NewAPIHandler(accountRepo, handoffRepo, channelRepo, trigger)
	notificationHandler := api.NewNotificationHandler(accountRepo, workerPool)
	eventHandler := api.NewEventSocketHandler(broker)

	router := api.NewRouter(apiHandler, notificationHandler, eventHandler, cfg.API.Token, utils.NewLogger("HTTP"))

	// Create HTTP server
	srv := &http.Server{
		Addr:    cfg.ServerAddress(),
		Handler: router,
	}

	// Setup graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Start server in a goroutine
	go func() {
		mainLogger.Info("Server is running on http://%s", cfg.ServerAddress())
		fmt.Printf("Server is running on http://%s\n", cfg.ServerAddress())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mainLogger.Error("Server failed to start: %v", err)
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	<-stop
	mainLogger.Info("Shutting down server...")
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new notifications first, then drain the workers.
	mainLogger.Info("Shutting down HTTP server...")
	if err := srv.Shutdown(ctx); err != nil {
		mainLogger.Error("Server forced to shutdown: %v", err)
	}

	mainLogger.Info("Stopping registrar...")
	registrar.Stop()

	mainLogger.Info("Stopping worker pool...")
	workerPool.Stop()

	mainLogger.Info("Server shutdown complete")
}
