package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mirai/internal/actor"
	"mirai/internal/bus"
	"mirai/internal/clock"
	"mirai/internal/config"
	"mirai/internal/ha"
	"mirai/internal/kv"
	"mirai/internal/mqtt"
	"mirai/internal/scheduler"
	"mirai/internal/statecache"
	"mirai/pkg/automation"

	// Registered automations. The full set must be linked in before
	// the supervisor starts.
	_ "mirai/internal/automations/nightmode"
	_ "mirai/internal/automations/pomodoro"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	location := cfg.Location(logger)

	logger.Info("Starting mirai",
		zap.String("ha", cfg.WebSocketURL()),
		zap.String("mqtt", cfg.BrokerURL()),
		zap.String("timezone", location.String()))

	store, err := kv.Open(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal("Failed to open global state store", zap.Error(err))
	}
	defer store.Close()

	eventBus := bus.New(logger)

	cache := statecache.New(cfg.StatesURL(), cfg.HAToken, eventBus, logger)
	cache.Start()
	defer cache.Stop()

	haConn := ha.NewConnector(cfg.WebSocketURL(), cfg.HAToken, eventBus, logger)
	mqttConn := mqtt.NewConnector(cfg.BrokerURL(), cfg.MQTTClientID, nil, eventBus, logger)

	autos, err := automation.CreateAll(automation.Setup{
		ConfigDir: cfg.ConfigDir,
		Logger:    logger,
		Location:  location,
	})
	if err != nil {
		logger.Fatal("Failed to create automations", zap.Error(err))
	}

	clk := clock.NewReal()
	supervisor := actor.NewSupervisor(eventBus, clk, actor.Deps{
		HA:      haConn,
		States:  cache,
		Globals: store,
		MQTT:    mqttConn,
	}, logger)
	supervisor.Start(autos)
	defer supervisor.Stop()

	sched := scheduler.New(scheduler.Config{
		Location:    location,
		Latitude:    cfg.Latitude,
		Longitude:   cfg.Longitude,
		HasLocation: cfg.HasLocation,
	}, clk, supervisor, logger)
	for _, a := range autos {
		if scheduled, ok := a.(automation.Scheduled); ok {
			sched.Add(a.Name(), scheduled.Schedules())
		}
	}
	sched.Start()
	defer sched.Stop()

	haConn.Start()
	defer haConn.Stop()

	if err := mqttConn.Connect(); err != nil {
		logger.Warn("MQTT connect failed, client retries in background", zap.Error(err))
	}
	defer mqttConn.Disconnect()

	logger.Info("Runtime started", zap.Int("automations", len(autos)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
}
