/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/mdmflow/orchestrator"
	"github.com/mdmflow/orchestrator/config"
	"github.com/mdmflow/orchestrator/database"
	"github.com/mdmflow/orchestrator/internal/attachment"
	"github.com/mdmflow/orchestrator/internal/cache"
	redlock "github.com/mdmflow/orchestrator/internal/lock"
	"github.com/mdmflow/orchestrator/internal/notification"
	redis_db "github.com/mdmflow/orchestrator/internal/redis-db"
)

// CLI represents the application, encapsulating the root Cobra command.
type CLI struct {
	cmd *cobra.Command
}

// engineInstance holds the wired Engine and its configuration, passed into
// every subcommand the same way the teacher threads its blnkInstance.
type engineInstance struct {
	engine *orchestrator.Engine
	cnf    *config.Configuration
}

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads configuration and wires the Engine before any subcommand
// runs.
func preRun(app *engineInstance, configFile string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(configFile); err != nil {
			log.Fatal("error loading config: ", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		engine, err := setupEngine(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.engine = engine
		app.cnf = cnf
		return nil
	}
}

// setupEngine builds the Redis client, LockManager, Postgres-backed
// IDataSource, and dev attachment stand-in, then hands them to
// orchestrator.NewEngine.
func setupEngine(cfg *config.Configuration) (*orchestrator.Engine, error) {
	redisClient, err := redis_db.NewRedisClient([]string{cfg.Redis.Dns}, false)
	if err != nil {
		return nil, fmt.Errorf("error connecting to redis: %v", err)
	}

	var lockOpts []redlock.Option
	if cfg.Lock.LeaseMs > 0 {
		lockOpts = append(lockOpts, redlock.WithLease(time.Duration(cfg.Lock.LeaseMs)*time.Millisecond))
	}
	if cfg.Lock.StaleThresholdMs > 0 {
		lockOpts = append(lockOpts, redlock.WithStaleThreshold(time.Duration(cfg.Lock.StaleThresholdMs)*time.Millisecond))
	}
	locker := redlock.NewManager(redisClient.Client(), lockOpts...)

	store, err := database.NewDataSource(cfg, locker)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	c, err := cache.NewCache()
	if err != nil {
		logrus.WithError(err).Warn("cache unavailable, continuing without read-through cache")
		c = nil
	}

	engine, err := orchestrator.NewEngine(cfg, store, locker, c, attachment.NewDevStore())
	if err != nil {
		return nil, fmt.Errorf("error wiring engine: %v", err)
	}
	return engine, nil
}

// NewCLI creates the root Cobra command and wires every subcommand.
func NewCLI() *CLI {
	var configFile string
	app := &engineInstance{}

	rootCmd := &cobra.Command{
		Use:   "mdm",
		Short: "Multi-stage request orchestration engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./mdm.json", "Configuration file for the orchestrator")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return preRun(app, configFile)(cmd, args)
	}

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(configCommands())

	return &CLI{cmd: rootCmd}
}

func (c CLI) executeCLI() {
	if err := c.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
