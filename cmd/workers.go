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
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mdmflow/orchestrator/config"
	redis_db "github.com/mdmflow/orchestrator/internal/redis-db"
)

const (
	queueSweepMaster      = "sweep:master"
	queueSweepChildRepair = "sweep:child_repair"
)

// processMasterSweep runs one master-sweep tick (E2, §4.8), bounded by the
// configured sweep budget.
func (app *engineInstance) processMasterSweep(ctx context.Context, _ *asynq.Task) error {
	ctx, cancel := context.WithTimeout(ctx, sweepBudget(app.cnf))
	defer cancel()
	if err := app.engine.Scheduler.RunMasterSweep(ctx); err != nil {
		logrus.WithError(err).Error("master sweep failed")
		return err
	}
	return nil
}

// processChildIntervalRepair runs one child-interval-repair tick (E4,
// §4.8) across every agent's assignee table.
func (app *engineInstance) processChildIntervalRepair(ctx context.Context, _ *asynq.Task) error {
	ctx, cancel := context.WithTimeout(ctx, sweepBudget(app.cnf))
	defer cancel()
	if err := app.engine.Scheduler.RunChildIntervalRepair(ctx); err != nil {
		logrus.WithError(err).Error("child-interval repair failed")
		return err
	}
	return nil
}

func sweepBudget(cfg *config.Configuration) time.Duration {
	if cfg.Scheduler.SweepBudgetSeconds <= 0 {
		return 45 * time.Second
	}
	return time.Duration(cfg.Scheduler.SweepBudgetSeconds) * time.Second
}

func initializeQueues() map[string]int {
	return map[string]int{
		queueSweepMaster:      2,
		queueSweepChildRepair: 1,
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, false)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 2,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(app *engineInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(queueSweepMaster, app.processMasterSweep)
	mux.HandleFunc(queueSweepChildRepair, app.processChildIntervalRepair)
}

// startSweepCron registers the two periodic triggers driving the sweeps
// (§4.8): a master-sweep cadence and a fixed child-interval-repair
// interval. Each tick only enqueues a task; the worker server does the
// actual work, so a slow sweep never blocks the next tick from firing.
func startSweepCron(conf *config.Configuration, client *asynq.Client) (*cron.Cron, error) {
	c := cron.New()

	masterSpec := conf.Scheduler.MasterSweepCron
	if masterSpec == "" {
		masterSpec = "@every 1m"
	}
	if _, err := c.AddFunc(masterSpec, func() {
		if _, err := client.Enqueue(asynq.NewTask(queueSweepMaster, nil), asynq.Queue(queueSweepMaster)); err != nil {
			logrus.WithError(err).Error("enqueue master sweep failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("error registering master sweep cron: %v", err)
	}

	repairSeconds := conf.Scheduler.ChildIntervalRepairS
	if repairSeconds <= 0 {
		repairSeconds = 60
	}
	repairSpec := fmt.Sprintf("@every %ds", repairSeconds)
	if _, err := c.AddFunc(repairSpec, func() {
		if _, err := client.Enqueue(asynq.NewTask(queueSweepChildRepair, nil), asynq.Queue(queueSweepChildRepair)); err != nil {
			logrus.WithError(err).Error("enqueue child-interval repair failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("error registering child-interval repair cron: %v", err)
	}

	c.Start()
	return c, nil
}

// workerCommands defines the "workers" command: the asynq worker server
// consuming the two sweep queues, a robfig/cron trigger enqueueing ticks
// onto them, and an asynqmon dashboard for observing both.
func workerCommands(app *engineInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start the orchestrator's sweep workers",
		Run: func(cmd *cobra.Command, args []string) {
			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			phClient := initializeObservability(conf)
			if phClient != nil {
				defer phClient.Close()
			}

			redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, false)
			if err != nil {
				log.Fatal("Error parsing Redis URL:", err)
			}
			asynqClient := asynq.NewClient(asynq.RedisClientOpt{
				Addr:      redisOption.Addr,
				Password:  redisOption.Password,
				DB:        redisOption.DB,
				TLSConfig: redisOption.TLSConfig,
			})
			defer asynqClient.Close()

			cronRunner, err := startSweepCron(conf, asynqClient)
			if err != nil {
				log.Fatal(err)
			}
			defer cronRunner.Stop()

			queues := initializeQueues()
			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(app, mux)

			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring",
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Scheduler.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
