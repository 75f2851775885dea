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
	"log"
	"net/http"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/spf13/cobra"

	"github.com/mdmflow/orchestrator/api"
	"github.com/mdmflow/orchestrator/config"
)

/*
serveTLS starts an HTTPS server with TLS enabled using CertMagic for automatic certificate management.
It accepts a gin.Engine instance as the router and a ServerConfig struct for server configurations.
If no domain is specified, the server will default to running on localhost.
*/
func serveTLS(r *gin.Engine, conf config.ServerConfig) error {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "path/to/certmagic/storage"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(context.Background(), domains); err != nil {
		return err
	}

	server := &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}

	log.Printf("Starting HTTPS server on %s\n", conf.Port)
	if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start HTTPS server: %v", err)
	}
	return nil
}

// sendHeartbeat initializes and maintains a periodic heartbeat to PostHog.
func sendHeartbeat(client posthog.Client, heartbeatID string) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		for range ticker.C {
			if err := client.Enqueue(posthog.Capture{
				DistinctId: heartbeatID,
				Event:      "server_heartbeat",
				Properties: map[string]interface{}{
					"timestamp": time.Now().UTC(),
				},
			}); err != nil {
				log.Printf("Failed to send heartbeat: %v", err)
			}
		}
	}()
}

func initializeRouter(app *engineInstance) *gin.Engine {
	return api.NewAPI(app.engine).Router()
}

func initializePostHog() (posthog.Client, string) {
	client, _ := posthog.NewWithConfig("phc_XbsHF5iBSnPiTA96gl7xygazrwBa0r2Ut4vEHoBHNiG",
		posthog.Config{Endpoint: "https://us.i.posthog.com"})
	heartbeatID := uuid.New().String()
	sendHeartbeat(client, heartbeatID)
	return client, heartbeatID
}

func startServer(router *gin.Engine, cfg config.ServerConfig) error {
	if cfg.SSL {
		return serveTLS(router, cfg)
	}
	log.Printf("Starting server on http://localhost:%s", cfg.Port)
	return router.Run(":" + cfg.Port)
}

// initializeObservability starts the PostHog heartbeat when telemetry is
// enabled. Span creation itself lives next to the code it traces (redlock,
// the row store, RequestFSM's entry points) rather than here; what's
// deliberately absent is a TracerProvider registration, since this
// deployment has no collector endpoint configured to export spans to —
// otel.Tracer() falls back to the no-op tracer until one is wired in.
// apmlogrus.Hook, registered once in main's init, covers structured log
// correlation in the meantime.
func initializeObservability(cfg *config.Configuration) posthog.Client {
	if !cfg.Server.EnableTelemetry {
		return nil
	}
	client, _ := initializePostHog()
	return client
}

/*
serverCommands returns the Cobra command responsible for starting the HTTP
server: wires the router off the shared Engine, starts the PostHog
heartbeat if telemetry is enabled, then serves.
*/
func serverCommands(app *engineInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the orchestrator HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			router := initializeRouter(app)

			cfg, err := config.Fetch()
			if err != nil {
				log.Fatal(err)
			}

			phClient := initializeObservability(cfg)
			if phClient != nil {
				defer phClient.Close()
			}

			if err := startServer(router, cfg.Server); err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
