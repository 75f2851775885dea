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
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/mdmflow/orchestrator"
	"github.com/mdmflow/orchestrator/api/middleware"
	"github.com/mdmflow/orchestrator/config"
)

// Api exposes the engine's HTTP entry points (§6): request submission,
// workload adjustment, and the assignee table's cell-edit webhook (E3).
// Approval advancement and the child-interval repair run off the
// scheduler, not the router.
type Api struct {
	engine *orchestrator.Engine
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/request", a.SubmitRequest)
	router.POST("/update_workload", a.UpdateWorkload)
	router.POST("/edit", a.HandleEdit)
	return a.router
}

func NewAPI(engine *orchestrator.Engine) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{engine: engine, router: r}
}
