// Package api exposes the acquisition service over HTTP.
package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/wavecap/wavecap/acquisition"
	"github.com/wavecap/wavecap/session"
	"github.com/wavecap/wavecap/trigger"
)

type JSON map[string]interface{}

// Sampler reports the current captures-per-second figure.
type Sampler interface {
	GetSample() int
}

func RegisterApiHandlers(g *echo.Group, version, gitCommit string, sess *session.Context, driver *acquisition.Driver, sampler Sampler) {
	build := gitCommit
	if len(build) > 6 {
		build = build[:6]
	}

	v1 := g.Group("/v1")
	v1.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, JSON{
			"message": "Hello, world! Welcome to WaveCap API!",
			"version": version,
			"build":   build,
		})
	})

	v1.GET("/status", func(c echo.Context) error {
		ctrl := driver.Controller()
		instruments := make([]JSON, 0)
		for _, inst := range sess.Scopes() {
			instruments = append(instruments, JSON{
				"name":     inst.Name(),
				"offline":  inst.IsOffline(),
				"channels": len(inst.Channels()),
			})
		}
		return c.JSON(http.StatusOK, JSON{
			"armed":               ctrl.Armed(),
			"state":               ctrl.CurrentState().String(),
			"free_run":            ctrl.FreeRun(),
			"captures_processed":  driver.CaptureCount(),
			"captures_per_second": sampler.GetSample(),
			"instruments":         instruments,
		})
	})

	v1.POST("/trigger/start", func(c echo.Context) error {
		return armHandler(c, driver, trigger.TypeNormal)
	})

	v1.POST("/trigger/single", func(c echo.Context) error {
		return armHandler(c, driver, trigger.TypeSingle)
	})

	v1.POST("/trigger/force", func(c echo.Context) error {
		return armHandler(c, driver, trigger.TypeForced)
	})

	v1.POST("/trigger/stop", func(c echo.Context) error {
		driver.Controller().Stop()
		return c.JSON(http.StatusOK, JSON{
			"state": driver.Controller().CurrentState().String(),
		})
	})

	v1.GET("/filters", func(c echo.Context) error {
		nodes := make([]JSON, 0)
		for _, n := range sess.Registry().Nodes() {
			inputs := make([]string, 0)
			for _, in := range n.Inputs() {
				inputs = append(inputs, in.String())
			}
			nodes = append(nodes, JSON{
				"name":     n.Name(),
				"protocol": n.KernelKind(),
				"dirty":    n.Dirty(),
				"inputs":   inputs,
			})
		}
		return c.JSON(http.StatusOK, JSON{
			"filters": nodes,
			"count":   len(nodes),
		})
	})

	v1.GET("/history/:scope/last/:count", func(c echo.Context) error {
		idx, err := strconv.Atoi(c.Param("scope"))
		scopes := sess.Scopes()
		if err != nil || idx < 0 || idx >= len(scopes) {
			return c.JSON(http.StatusNotFound, JSON{
				"error": "no such instrument",
			})
		}

		counter := 10
		i, err := strconv.Atoi(c.Param("count"))
		if err == nil {
			if i < 0 {
				counter = 10
			} else if i > 50 {
				counter = 50
			} else {
				counter = i
			}
		}

		entries, err := sess.History(scopes[idx]).Last(counter)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, JSON{
				"error": err.Error(),
			})
		}

		return c.JSON(http.StatusOK, JSON{
			"captures": entries,
			"count":    len(entries),
		})
	})
}

func armHandler(c echo.Context, driver *acquisition.Driver, t trigger.Type) error {
	ctrl := driver.Controller()
	if err := ctrl.Arm(t); err != nil {
		return c.JSON(http.StatusInternalServerError, JSON{
			"error": err.Error(),
			"state": ctrl.CurrentState().String(),
		})
	}
	return c.JSON(http.StatusOK, JSON{
		"state": ctrl.CurrentState().String(),
	})
}
