package webserver

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/mdouchement/sensing/internal/database"
	"github.com/mdouchement/sensing/internal/model"
	"github.com/mdouchement/sensing/internal/storage"
	"github.com/mdouchement/sensing/internal/webserver/serializer"
	"github.com/mdouchement/sensing/internal/webserver/service"
	"github.com/mdouchement/sensing/internal/webserver/weberror"
	"github.com/pkg/errors"
)

type uploads struct {
	db      database.Client
	storage storage.Backend
}

func (h *uploads) Resources(c echo.Context) error {
	c.Set("handler_method", "uploads.Resources")

	eid := c.QueryParam("external_id")
	if eid == "" {
		return weberror.New(http.StatusBadRequest, "missing external_id")
	}

	resources, err := h.db.FindResourcesByExternalIdentifier(eid)
	if err != nil {
		return weberror.New(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, serializer.Resources(resources))
}

func (h *uploads) List(c echo.Context) error {
	c.Set("handler_method", "uploads.List")

	var (
		items []*model.UploadWorkItem
		err   error
	)

	if status := c.QueryParam("status"); status != "" {
		switch s := model.Status(status); s {
		case model.StatusPending, model.StatusUploading, model.StatusUploaded, model.StatusFailed:
			items, err = h.db.FindUploadsByStatus(s)
		default:
			return weberror.New(http.StatusBadRequest, "unknown status "+status)
		}
	} else {
		items, err = h.db.AllUploads()
	}
	if err != nil {
		return weberror.New(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, serializer.Uploads(items))
}

func (h *uploads) Package(c echo.Context) error {
	c.Set("handler_method", "uploads.Package")

	item, err := h.db.FindUploadByResourceID(c.Param("id"))
	if err != nil {
		if h.db.IsNotFound(err) {
			return weberror.New(http.StatusNotFound, "resource not found")
		}

		return weberror.New(http.StatusInternalServerError, err.Error())
	}

	//

	downloader := service.NewPackageDownloader(h.storage, item)

	r, err := downloader.Stream()
	if err != nil {
		if errors.Is(err, service.ErrGone) {
			return weberror.New(http.StatusGone, err.Error())
		}
		return weberror.New(http.StatusUnprocessableEntity, err.Error())
	}
	defer r.Close()

	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(downloader.Size(), 10))
	c.Response().Header().Set("Etag", downloader.Checksum())
	return c.Stream(http.StatusOK, downloader.ContentType(), r)
}
