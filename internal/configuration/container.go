package configuration

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"Parley/internal/db"
	"Parley/internal/handler"
	"Parley/internal/hub"
	"Parley/internal/model"
	"Parley/internal/repo"
	"Parley/internal/service"
)

type Container struct {
	MessageHandler     handler.MessageHandler
	ReservationHandler handler.ReservationHandler
	MonitorHandler     handler.MonitorHandler
	MessageService     service.MessageService
	Hub                *hub.Hub
	Config             Config
	Logger             *zap.Logger

	// private - for cleanup
	mongoClient *mongo.Database
	sqlDB       *sqlx.DB
}

// NewLogger builds the process logger the way the server and the CLI share.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func BuildContainer(configPath string) (*Container, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := NewLogger(config.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	logger.Info("config loaded",
		zap.String("mongo_database", config.Mongo.Database),
		zap.String("reservations_driver", config.Reservations.Driver),
		zap.Int("app_port", config.Server.AppPort),
		zap.Int("socket_port", config.Server.SocketPort))

	con, err := db.OpenConnection(config.Mongo.Uri, config.Mongo.Database)
	if err != nil {
		return nil, err
	}
	c := &Container{Config: *config, Logger: logger, mongoClient: con}

	sqlDB, err := db.OpenSQL(config.Reservations.Driver, config.Reservations.Dsn)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.sqlDB = sqlDB
	if config.Reservations.Migrate {
		if _, err := sqlDB.Exec(db.ReservationSchema); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("migrate reservations: %w", err)
		}
	}

	mongoRepo := db.NewRepository[model.Message](con, config.Mongo.MessagesCollection)
	if err := repo.EnsureMessageIndexes(context.Background(), mongoRepo); err != nil {
		// the store still works without them, only slower
		logger.Warn("failed to ensure message indexes", zap.Error(err))
	}

	messageRepo := repo.NewMessageRepository(mongoRepo, logger)
	reservationRepo := repo.NewReservationRepository(sqlDB, logger)

	// Create Hub before the service so stored messages can be fanned out
	c.Hub = hub.NewHub(hub.Options{
		AllowedOrigins:  config.Server.AllowedOrigins,
		TypingPerSecond: config.Chat.TypingPerSecond,
		TypingBurst:     config.Chat.TypingBurst,
		Logger:          logger,
	})

	c.MessageService = service.NewMessageService(messageRepo, reservationRepo, c.Hub, service.MessageServiceConfig{
		Policy:           config.Chat.Policy(),
		MaxContentLength: config.Chat.MaxContentLength,
	}, logger)

	c.MessageHandler = handler.NewMessageHandler(c.MessageService, logger)
	c.ReservationHandler = handler.NewReservationHandler(c.MessageService, logger)
	c.MonitorHandler = handler.NewMonitorHandler(hub.NewMonitorService(c.Hub))

	return c, nil
}

// Close gracefully shuts down all connections
func (c *Container) Close() error {
	// Stop the hub first (closes all WebSocket connections)
	if c.Hub != nil {
		c.Hub.Stop()
	}

	if c.sqlDB != nil {
		if err := c.sqlDB.Close(); err != nil {
			c.Logger.Warn("failed to close reservations database", zap.Error(err))
		}
	}

	// Close MongoDB connection pool
	var closeErr error
	if c.mongoClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.mongoClient.Client().Disconnect(ctx); err != nil {
			closeErr = fmt.Errorf("failed to close MongoDB connection: %w", err)
		}
	}

	// Sync logger
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}
	return closeErr
}
