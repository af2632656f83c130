package webserver

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/mdouchement/logger"
	"github.com/mdouchement/sensing/internal/synchronizer"
	"github.com/mdouchement/sensing/internal/webserver/serializer"
	"github.com/mdouchement/sensing/internal/webserver/weberror"
)

type synchronization struct {
	logger       logger.Logger
	synchronizer *synchronizer.Synchronizer
	scheduler    Trigger
}

func (h *synchronization) Show(c echo.Context) error {
	c.Set("handler_method", "synchronization.Show")

	state, at := h.synchronizer.Last()
	return c.JSON(http.StatusOK, serializer.Synchronization(h.synchronizer.IsRunning(), state, at))
}

// Trigger requests a synchronization run.
// With `wait=true', the run is performed in the request and all its states are rendered.
func (h *synchronization) Trigger(c echo.Context) error {
	c.Set("handler_method", "synchronization.Trigger")

	wait, _ := strconv.ParseBool(c.QueryParam("wait"))
	if wait {
		var states []synchronizer.State
		err := h.synchronizer.Run(c.Request().Context(), func(state synchronizer.State) {
			states = append(states, state)
		})
		if err != nil {
			h.logger.Errorf("Synchronization: %s", err)
		}

		return c.JSON(http.StatusOK, serializer.States(states))
	}

	if h.scheduler != nil {
		return c.JSON(http.StatusAccepted, echo.Map{
			"triggered": h.scheduler.Trigger(),
		})
	}

	if h.synchronizer.IsRunning() {
		return weberror.New(http.StatusConflict, "synchronization already running")
	}

	go func() {
		for range h.synchronizer.Synchronize(context.Background()) {
		}
	}()
	return c.JSON(http.StatusAccepted, echo.Map{
		"triggered": true,
	})
}
