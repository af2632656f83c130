package webserver

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mdouchement/logger"
	"github.com/mdouchement/sensing/internal/capture"
	"github.com/mdouchement/sensing/internal/database"
	"github.com/mdouchement/sensing/internal/model"
	"github.com/mdouchement/sensing/internal/webserver/serializer"
	"github.com/mdouchement/sensing/internal/webserver/weberror"
	"github.com/pkg/errors"
)

type sensors struct {
	manager *capture.Manager
}

func (h *sensors) List(c echo.Context) error {
	c.Set("handler_method", "sensors.List")

	return c.JSON(http.StatusOK, serializer.Sensors(h.manager))
}

type captures struct {
	logger  logger.Logger
	db      database.Client
	manager *capture.Manager
}

func (h *captures) List(c echo.Context) error {
	c.Set("handler_method", "captures.List")

	var (
		sessions []*model.CaptureSession
		err      error
	)

	if eid := c.QueryParam("external_id"); eid != "" {
		sessions, err = h.db.FindCapturesByExternalIdentifier(eid)
	} else {
		sessions, err = h.db.ListCaptures()
	}
	if err != nil {
		return weberror.New(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, serializer.Captures(sessions))
}

func (h *captures) Show(c echo.Context) error {
	c.Set("handler_method", "captures.Show")

	session, err := h.db.FindCapture(c.Param("id"))
	if err != nil {
		if h.db.IsNotFound(err) {
			return weberror.New(http.StatusNotFound, "capture not found")
		}

		return weberror.New(http.StatusInternalServerError, err.Error())
	}

	resources, err := h.db.FindResourcesByCaptureID(session.ID)
	if err != nil {
		return weberror.New(http.StatusInternalServerError, err.Error())
	}

	//

	payload := serializer.Capture(session)
	payload["resources"] = serializer.Resources(resources)
	return c.JSON(http.StatusOK, payload)
}

func (h *captures) Delete(c echo.Context) error {
	c.Set("handler_method", "captures.Delete")

	err := h.manager.DeleteCapture(c.Param("id"))
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case h.db.IsNotFound(err):
		return weberror.New(http.StatusNotFound, "capture not found")
	case errors.Is(err, capture.ErrAlreadyActive):
		return weberror.New(http.StatusConflict, err.Error())
	}

	return weberror.New(http.StatusInternalServerError, err.Error())
}
