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

// Package config loads and serves the engine's process-wide configuration:
// server, data source, redis, lock tuning, notification, rate limiting, and
// scheduler knobs. It follows the same two-phase JSON-file-then-env-override
// load as the teacher's config package, stored in an atomic.Value so every
// goroutine reads a consistent snapshot without a mutex.
package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPort = "7070"
	// DefaultLeaseMS / DefaultStaleThresholdMS mirror redlock's own defaults
	// so a bare Configuration (e.g. in tests) behaves the same as an
	// explicit zero-value lock tuning block.
	DefaultLeaseMS           = 300_000
	DefaultStaleThresholdMS  = 8_000
	DefaultOnSubmitRetryMins = 10
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL             bool   `json:"ssl" envconfig:"MDM_SERVER_SSL"`
	Secure          bool   `json:"secure" envconfig:"MDM_SERVER_SECURE"`
	SecretKey       string `json:"secret_key" envconfig:"MDM_SERVER_SECRET_KEY"`
	Domain          string `json:"domain" envconfig:"MDM_SERVER_SSL_DOMAIN"`
	Email           string `json:"ssl_email" envconfig:"MDM_SERVER_SSL_EMAIL"`
	Port            string `json:"port" envconfig:"MDM_SERVER_PORT"`
	EnableTelemetry bool   `json:"enable_telemetry" envconfig:"MDM_SERVER_ENABLE_TELEMETRY"`
}

// DataSourceConfig points at the Postgres instance backing the RowStore,
// ConfigCache relations, agent roster, and request-number tracker.
type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"MDM_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"MDM_REDIS_DNS"`
}

// LockConfig tunes LockManager's lease and staleness window (spec §4.1).
type LockConfig struct {
	LeaseMs          int `json:"lease_ms" envconfig:"MDM_LOCK_LEASE_MS"`
	StaleThresholdMs int `json:"stale_threshold_ms" envconfig:"MDM_LOCK_STALE_THRESHOLD_MS"`
}

// SchedulerConfig tunes the Scheduler's (C8) sweep intervals and per-sweep
// time budget. OnSubmitRetryMins and SendBackRetryIntervalS are given
// defaults here, but no sweep or RequestFSM entry point reads them.
type SchedulerConfig struct {
	MasterSweepCron        string `json:"master_sweep_cron" envconfig:"MDM_SCHEDULER_MASTER_CRON"`
	SweepBudgetSeconds     int    `json:"sweep_budget_seconds" envconfig:"MDM_SCHEDULER_SWEEP_BUDGET_SECONDS"`
	OnSubmitRetryMins      int    `json:"on_submit_retry_mins" envconfig:"MDM_SCHEDULER_ON_SUBMIT_RETRY_MINS"`
	NewSubmissionRetries   int    `json:"new_submission_retries" envconfig:"MDM_SCHEDULER_NEW_SUBMISSION_RETRIES"`
	ExpiredBusinessDays    int    `json:"expired_business_days" envconfig:"MDM_SCHEDULER_EXPIRED_BUSINESS_DAYS"`
	SendBackRetryIntervalS int    `json:"send_back_retry_interval_seconds" envconfig:"MDM_SCHEDULER_SEND_BACK_RETRY_SECONDS"`
	ChildIntervalRepairS   int    `json:"child_interval_repair_seconds" envconfig:"MDM_SCHEDULER_CHILD_REPAIR_SECONDS"`

	// RegisteredTables lists every master table the master sweep covers (C8);
	// the single master cron entry sweeps them in order on each tick. Each
	// entry is a request type name, matching
	// the RequestFSM.mirrorToMaster convention that the master table is
	// named after the request type it holds.
	RegisteredTables []string `json:"registered_tables" envconfig:"MDM_SCHEDULER_REGISTERED_TABLES"`
	// SweepBatchSize caps how many pending rows a single master-sweep tick
	// pulls per table, so one slow table can't starve the others inside the
	// shared SweepBudgetSeconds deadline.
	SweepBatchSize int `json:"sweep_batch_size" envconfig:"MDM_SCHEDULER_SWEEP_BATCH_SIZE"`
	// MonitoringPort serves the asynqmon dashboard for the sweep queues.
	MonitoringPort string `json:"monitoring_port" envconfig:"MDM_SCHEDULER_MONITORING_PORT"`
}

// AllocationConfig tunes the Allocator (C6)'s default agent of last resort
// — the fallback when neither the distribution matrix nor the BAU
// work-allocation table has a rule for a request's shape (§4.6).
type AllocationConfig struct {
	DefaultAgent string `json:"default_agent" envconfig:"MDM_ALLOCATION_DEFAULT_AGENT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"MDM_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"MDM_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"MDM_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

// Notification configures the outbound channels RequestFSM uses
// to announce approval requests, rejections, expiries, and send-backs
// (email rendering itself is out of scope; these are webhook sinks).
type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

// HolidayCalendarConfig names the source RequestFSM's business-hour deadline
// arithmetic (§4.5.c) consults for weekends/holidays. The calendar itself is
// an injected capability (businesshours.HolidayCalendar); this only selects
// which implementation to wire at startup.
type HolidayCalendarConfig struct {
	Source    string `json:"source" envconfig:"MDM_HOLIDAY_CALENDAR_SOURCE"` // "fixed" or "none"
	FixedDays []string `json:"fixed_days"`                                  // RFC3339 dates, used when Source=="fixed"
}

type Configuration struct {
	ProjectName     string                `json:"project_name" envconfig:"MDM_PROJECT_NAME"`
	Server          ServerConfig          `json:"server"`
	DataSource      DataSourceConfig      `json:"data_source"`
	Redis           RedisConfig           `json:"redis"`
	Lock            LockConfig            `json:"lock"`
	Scheduler       SchedulerConfig       `json:"scheduler"`
	Notification    Notification          `json:"notification"`
	RateLimit       RateLimitConfig       `json:"rate_limit"`
	HolidayCalendar HolidayCalendarConfig `json:"holiday_calendar"`
	Allocation      AllocationConfig      `json:"allocation"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("mdm", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called mdm.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "MDM Request Orchestrator"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DefaultPort
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DefaultPort)
	}

	if cnf.Lock.LeaseMs == 0 {
		cnf.Lock.LeaseMs = DefaultLeaseMS
	}
	if cnf.Lock.StaleThresholdMs == 0 {
		cnf.Lock.StaleThresholdMs = DefaultStaleThresholdMS
	}

	if cnf.Scheduler.MasterSweepCron == "" {
		cnf.Scheduler.MasterSweepCron = "@every 1m"
	}
	if cnf.Scheduler.SweepBudgetSeconds == 0 {
		cnf.Scheduler.SweepBudgetSeconds = 45
	}
	if cnf.Scheduler.OnSubmitRetryMins == 0 {
		cnf.Scheduler.OnSubmitRetryMins = DefaultOnSubmitRetryMins
	}
	if cnf.Scheduler.SendBackRetryIntervalS == 0 {
		cnf.Scheduler.SendBackRetryIntervalS = 300
	}
	if cnf.Scheduler.ChildIntervalRepairS == 0 {
		cnf.Scheduler.ChildIntervalRepairS = 60
	}
	if cnf.Scheduler.NewSubmissionRetries == 0 {
		cnf.Scheduler.NewSubmissionRetries = 3
	}
	if cnf.Scheduler.ExpiredBusinessDays == 0 {
		cnf.Scheduler.ExpiredBusinessDays = 5
	}
	if cnf.Scheduler.SweepBatchSize == 0 {
		cnf.Scheduler.SweepBatchSize = 200
	}
	if len(cnf.Scheduler.RegisteredTables) == 0 {
		log.Println("Warning: no scheduler.registered_tables configured; the master sweep will not cover any table")
	}
	if cnf.Scheduler.MonitoringPort == "" {
		cnf.Scheduler.MonitoringPort = "8081"
	}

	if cnf.HolidayCalendar.Source == "" {
		cnf.HolidayCalendar.Source = "fixed"
	}

	if cnf.Allocation.DefaultAgent == "" {
		cnf.Allocation.DefaultAgent = "UNASSIGNED_POOL"
		log.Println("Warning: allocation default agent not specified. Setting default value: UNASSIGNED_POOL")
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil).
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
		log.Printf("Warning: Rate limit cleanup interval not specified. Setting default value: %d seconds", defaultCleanup)
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
