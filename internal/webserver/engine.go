package webserver

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mdouchement/logger"
	"github.com/mdouchement/sensing/internal/capture"
	"github.com/mdouchement/sensing/internal/database"
	"github.com/mdouchement/sensing/internal/storage"
	"github.com/mdouchement/sensing/internal/synchronizer"
	middlewarepkg "github.com/mdouchement/sensing/internal/webserver/middleware"
)

type (
	// A Controller is an Iversion Of Control pattern used to init the server package.
	Controller struct {
		Version      string
		Logger       logger.Logger
		Database     database.Client
		Storage      storage.Backend
		Manager      *capture.Manager
		Synchronizer *synchronizer.Synchronizer
		// Scheduler runs the synchronizations requested by POST /sync.
		// When nil, the runs are started directly on the Synchronizer.
		Scheduler Trigger
		// Token is expected in the X-Auth-Token header, empty disables the authentication.
		Token string
		Debug bool
	}

	// A Trigger requests a background synchronization.
	Trigger interface {
		Trigger() bool
	}
)

// EchoEngine instantiates the wep server.
func EchoEngine(ctrl Controller) *echo.Echo {
	engine := echo.New()
	engine.HideBanner = true
	engine.Use(middleware.Recover())
	engine.Use(middleware.Gzip())
	engine.Use(middlewarepkg.Logger(ctrl.Logger))
	if ctrl.Debug {
		engine.Use(middlewarepkg.Dumpper(ctrl.Logger))
	}

	engine.HTTPErrorHandler = middlewarepkg.NewHTTPErrorHandler(ctrl.Logger)

	engine.Pre(middleware.Rewrite(map[string]string{
		"/": "/version",
	}))

	//
	//
	//

	router := engine.Group("")

	// Generic handlers
	//
	router.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{
			"version": ctrl.Version,
		})
	})

	api := router.Group("", middlewarepkg.Authenticate(ctrl.Token))

	// Sensors
	//
	sensors := sensors{
		manager: ctrl.Manager,
	}
	api.GET("/sensors", sensors.List)

	// Captures
	//
	captures := captures{
		logger:  ctrl.Logger,
		db:      ctrl.Database,
		manager: ctrl.Manager,
	}
	api.GET("/captures", captures.List)
	api.GET("/captures/:id", captures.Show)
	api.DELETE("/captures/:id", captures.Delete)

	// Resources & uploads
	//
	uploads := uploads{
		db:      ctrl.Database,
		storage: ctrl.Storage,
	}
	api.GET("/resources", uploads.Resources)
	api.GET("/resources/:id/package", uploads.Package)
	api.GET("/uploads", uploads.List)

	// Synchronization
	//
	sync := synchronization{
		logger:       ctrl.Logger,
		synchronizer: ctrl.Synchronizer,
		scheduler:    ctrl.Scheduler,
	}
	api.GET("/sync", sync.Show)
	api.POST("/sync", sync.Trigger)

	return engine
}

// PrintRoutes prints the Echo engin exposed routes.
func PrintRoutes(e *echo.Echo) {
	ignored := map[string]bool{
		"":   true,
		".":  true,
		"/*": true,
	}

	routes := e.Routes()
	sort.Slice(routes, func(i int, j int) bool {
		if routes[i].Path == routes[j].Path {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Path < routes[j].Path
	})

	fmt.Println("Routes:")
	for _, route := range routes {
		if ignored[route.Path] {
			continue
		}
		fmt.Printf("%6s %s\n", route.Method, route.Path)
	}
}
