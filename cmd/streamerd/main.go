package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/tacusci/logging/v2"
	"github.com/takama/daemon"
	"github.com/tauraamui/streamerd/pkg/config"
	"github.com/tauraamui/streamerd/pkg/configdef"
	db "github.com/tauraamui/streamerd/pkg/database"
	"github.com/tauraamui/streamerd/pkg/database/repos"
	"github.com/tauraamui/streamerd/pkg/log"
	"github.com/tauraamui/streamerd/pkg/streamer"
	"github.com/tauraamui/streamerd/pkg/video/device"
	"github.com/tauraamui/streamerd/pkg/video/videobackend"
)

const (
	name        = "streamerd"
	description = "Streamer service daemon which moves frames between V4L2 devices without copying them"
)

type Service struct {
	daemon.Daemon
}

// Setup writes the default configuration and creates the run ledger.
func (service *Service) Setup() (string, error) {
	log.Info("Setting up streamerd service...")

	err := config.DefaultCreator().Create()
	if err != nil {
		if !errors.Is(err, configdef.ErrConfigAlreadyExists) {
			return "", err
		}
		log.Error(err.Error())
	}

	err = db.Setup()
	if err != nil {
		if !errors.Is(err, db.ErrDBAlreadyExists) {
			return "", err
		}
		log.Error(err.Error())
	}

	return "Setup successful...", nil
}

func (service *Service) RemoveSetup() (string, error) {
	ok, err := confirm(os.Stdin, os.Stdout, "Delete the configuration and the run ledger?")
	if err != nil {
		return "", err
	}
	if !ok {
		return "Leaving setup in place...", nil
	}

	log.Info("Removing setup for streamerd service...")
	if err := db.Destroy(); err != nil {
		log.Error("unable to delete database file: %s", err.Error())
	}
	if err := config.DefaultDestroyer().Destroy(); err != nil {
		log.Error("unable to delete config file: %s", err.Error())
	}

	return "Removing setup successful...", nil
}

func (service *Service) Manage() (string, error) {
	usage := "Usage: streamerd setup | remove-setup | probe [device...] | runs [count] | install | remove | start | stop | status"

	if len(os.Args) > 1 {
		command := os.Args[1]
		switch command {
		case "setup":
			return service.Setup()
		case "remove-setup":
			return service.RemoveSetup()
		case "probe":
			return probeDevices(os.Stdout, os.Args[2:])
		case "runs":
			return listRuns(os.Stdout, os.Args[2:])
		case "install":
			return service.Install()
		case "remove":
			return service.Remove()
		case "start":
			return service.Start()
		case "stop":
			return service.Stop()
		case "status":
			return service.Status()
		default:
			return usage, nil
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	log.Info("Starting streamer daemon...")

	server, err := streamer.NewServer(config.DefaultResolver(), backendOverride(os.Getenv("STREAMERD_VIDEO_BACKEND")))
	if err != nil {
		return "", err
	}

	ledger, err := db.Connect()
	if err != nil {
		log.Warn("Run ledger unavailable, runs will not be recorded: %v", err)
	} else {
		defer ledger.Close()
		server.RecordRunsTo(&repos.RunRepository{DB: ledger})
	}

	if err := server.Connect(); err != nil {
		return "", err
	}
	if err := server.RunProcesses(); err != nil {
		<-server.Shutdown()
		return "", err
	}

	select {
	case killSignal := <-interrupt:
		fmt.Print("\r")
		log.Error("Received signal: %s", killSignal)
	case <-server.Exited():
	}

	log.Info("Shutting down server...")
	<-server.Shutdown()

	if err := server.Wait(); err != nil {
		return "", err
	}

	stats := server.Stats()
	return fmt.Sprintf(
		"Shutdown successful after %d ticks, %d frames sunk (%d bytes)... BYE! 👋",
		stats.Ticks, stats.FramesSunk, stats.BytesSunk,
	), nil
}

// backendOverride lets the environment replace the configured backend, nil
// keeps the configured one.
func backendOverride(name string) device.Backend {
	if len(name) == 0 {
		return nil
	}
	return videobackend.Resolve(name)
}

func init() {
	logging.CallbackLabelLevel = 5
	logging.ColorLogLevelLabelOnly = true
	loggingLevel := os.Getenv("STREAMERD_LOGGING_LEVEL")

	if err := log.SetLevel(loggingLevel); err != nil {
		logging.Error(err.Error()) //nolint
		log.SetLevel("warn")       //nolint
	}
	if strings.EqualFold(loggingLevel, "debug") {
		logging.CallbackLabel = true
	}
}

func main() {
	daemonType := daemon.SystemDaemon
	if runtime.GOOS == "darwin" {
		daemonType = daemon.UserAgent
	}

	srv, err := daemon.New(name, description, daemonType)
	if err != nil {
		logging.Error(err.Error()) //nolint
		os.Exit(1)
	}

	service := &Service{srv}
	status, err := service.Manage()
	if err != nil {
		logging.Error(err.Error()) //nolint
		os.Exit(1)
	}

	logging.Info(status) //nolint
}
