package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mdouchement/logger"
	"github.com/mdouchement/sensing/internal/webserver/weberror"
)

// NewHTTPErrorHandler is a middleware that formats rendered errors.
func NewHTTPErrorHandler(log logger.Logger) func(err error, c echo.Context) {
	log = log.WithPrefix("[http]")

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		switch e := err.(type) {
		case *echo.HTTPError:
			err = weberror.New(e.Code, http.StatusText(e.Code))
		case *weberror.Error:
		default:
			err = weberror.New(http.StatusInternalServerError, err.Error())
		}

		code := weberror.StatusCode(err)
		if code >= http.StatusInternalServerError {
			log.Error(err)
		} else {
			log.Debug(err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, err)
		}
		if err != nil {
			log.Errorf("HTTPErrorHandler: %s", err)
		}
	}
}
