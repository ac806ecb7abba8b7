// Command laps-shim is the fixed entrypoint baked into every module
// image by the packager. It reads its identity and broker address from
// the environment the supervisor injects, then runs the dispatch loop
// against the module tree packaged alongside it.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/LAPS-Group/laps/pkg/broker"
	"github.com/LAPS-Group/laps/pkg/log"
	"github.com/LAPS-Group/laps/pkg/shim"
	"github.com/LAPS-Group/laps/pkg/types"
)

func main() {
	log.FromEnv()
	logger := log.Component("laps-shim")

	name := os.Getenv("LAPS_MODULE_NAME")
	version := os.Getenv("LAPS_MODULE_VERSION")
	brokerAddr := os.Getenv("LAPS_BROKER_ADDR")
	if name == "" || version == "" || brokerAddr == "" {
		logger.Fatal().Msg("LAPS_MODULE_NAME, LAPS_MODULE_VERSION and LAPS_BROKER_ADDR must be set")
	}
	if !types.ValidNameComponent(name) || !types.ValidNameComponent(version) {
		logger.Fatal().Str("name", name).Str("version", version).Msg("invalid module name/version")
	}

	br := broker.NewRedis(brokerAddr, 0)
	defer br.Close()

	runner := shim.NewPythonRunner("python3", "/app/module")

	s := shim.New(br, runner, shim.Config{
		Key: types.ModuleKey{Name: name, Version: version},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("shim dispatch loop exited with error")
	}
}
