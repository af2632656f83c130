package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"regexp"
	"runtime"
	"text/tabwriter"

	"github.com/mdouchement/logger"
	"github.com/mdouchement/sensing/internal/capture"
	"github.com/mdouchement/sensing/internal/config"
	"github.com/mdouchement/sensing/internal/database"
	"github.com/mdouchement/sensing/internal/model"
	"github.com/mdouchement/sensing/internal/sensor"
	"github.com/mdouchement/sensing/internal/sensor/camera"
	"github.com/mdouchement/sensing/internal/sensor/microphone"
	"github.com/mdouchement/sensing/internal/storage"
	"github.com/mdouchement/sensing/internal/synchronizer"
	"github.com/mdouchement/sensing/internal/upload"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version  = "dev"
	revision = "none"
	date     = "unknown"

	cfgfile string
	debug   bool
)

func main() {
	c := &cobra.Command{
		Use:     "sensing",
		Short:   "Sensor captures with resumable uploads",
		Version: fmt.Sprintf("%s - build %.7s @ %s - %s", version, revision, date, runtime.Version()),
		Args:    cobra.ExactArgs(0),
	}
	c.PersistentFlags().StringVarP(&cfgfile, "config", "c", envORdefault("SENSING_CONFIG", ""), "Configuration file")
	c.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logs")

	c.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Version for sensing",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(c.Version)
		},
	})
	c.AddCommand(initCmd)
	c.AddCommand(reindexCmd)
	c.AddCommand(captureCmd())
	c.AddCommand(syncCmd)

	uploadsCmd.Flags().StringVarP(&status, "status", "s", "", "Filter by status (pending, uploading, uploaded, failed)")
	c.AddCommand(uploadsCmd)
	c.AddCommand(deleteCmd)

	serverCmd.Flags().StringVarP(&binding, "binding", "b", "", "Server's binding")
	serverCmd.Flags().StringVarP(&port, "port", "p", "", "Server's port")
	c.AddCommand(serverCmd)

	if err := c.Execute(); err != nil {
		log.Fatalf("%+v", err)
	}
}

var (
	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Init the database",
		Args:  cobra.ExactArgs(0),
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgfile)
			if err != nil {
				return err
			}
			return database.StormInit(cfg.Database)
		},
	}

	//

	reindexCmd = &cobra.Command{
		Use:   "reindex",
		Short: "Reindex the database",
		Args:  cobra.ExactArgs(0),
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgfile)
			if err != nil {
				return err
			}
			return database.StormReIndex(cfg.Database)
		},
	}

	//

	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Upload all the pending resources",
		Args:  cobra.ExactArgs(0),
		RunE: func(c *cobra.Command, _ []string) error {
			a, err := open(c.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			return a.synchronizer.Run(c.Context(), func(state synchronizer.State) {
				fmt.Println(state)
			})
		},
	}

	//

	status     string
	uploadsCmd = &cobra.Command{
		Use:   "uploads",
		Short: "List the upload work items",
		Args:  cobra.ExactArgs(0),
		RunE: func(c *cobra.Command, _ []string) error {
			a, err := open(c.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var items []*model.UploadWorkItem
			if status != "" {
				items, err = a.db.FindUploadsByStatus(model.Status(status))
			} else {
				items, err = a.db.AllUploads()
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RESOURCE\tSTATUS\tPROGRESS\tATTEMPTS\tREMOTE")
			for _, item := range items {
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%s\n",
					item.ResourceID, item.Status, item.BytesTransferred, item.FileSize, item.FailedAttempts, item.RemoteRelativePath)
			}
			return w.Flush()
		},
	}

	//

	deleteCmd = &cobra.Command{
		Use:   "delete CAPTURE_ID",
		Short: "Delete a capture with its resources and local files",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			a, err := open(c.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			return a.manager.DeleteCapture(args[0])
		},
	}
)

// An app holds the wired components.
type app struct {
	cfg          *config.Config
	logger       logger.Logger
	db           database.Client
	storage      storage.Backend
	engine       *upload.Engine
	synchronizer *synchronizer.Synchronizer
	manager      *capture.Manager
}

func open(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgfile)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  newLogger(),
		storage: storage.NewFileSystem(cfg.Workspace),
	}

	client, err := cfg.Blobstore.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not create blobstore client")
	}

	a.db, err = database.StormOpen(cfg.Database)
	if err != nil {
		return nil, errors.Wrap(err, "could not open database")
	}

	a.engine = upload.New(upload.Controller{
		Logger:  a.logger,
		Client:  client,
		Storage: a.storage,
		Options: upload.Options{
			PartSize:       cfg.Upload.PartSize,
			MinPartSize:    cfg.Upload.MinPartSize,
			PartTimeout:    cfg.Upload.PartTimeout,
			BandwidthLimit: cfg.Upload.BandwidthLimit,
		},
	})

	a.synchronizer = synchronizer.New(synchronizer.Controller{
		Logger:            a.logger,
		Database:          a.db,
		Client:            client,
		Engine:            a.engine,
		MaxFailedAttempts: cfg.Sync.MaxFailedAttempts,
	})

	a.manager = capture.NewManager(capture.Controller{
		Logger:    a.logger,
		Database:  a.db,
		Storage:   a.storage,
		Transfers: a.synchronizer,
		Bucket:    cfg.Blobstore.Bucket,
		BaseURL:   cfg.Blobstore.BaseURL,
		Multipart: cfg.Upload.Multipart,
	})
	for kind, factory := range map[sensor.Kind]sensor.Factory{
		sensor.Camera:     camera.Factory,
		sensor.Microphone: microphone.Factory,
	} {
		if err = a.manager.RegisterFactory(kind, factory); err != nil {
			a.db.Close()
			return nil, err
		}
	}

	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func newLogger() logger.Logger {
	log := logrus.New()
	log.SetFormatter(&logger.LogrusTextFormatter{
		DisableColors:   false,
		ForceColors:     true,
		ForceFormatting: true,
		PrefixRE:        regexp.MustCompile(`^(\[.*?\])\s`),
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return logger.WrapLogrus(log)
}

func envORdefault(name, fallback string) string {
	p := os.Getenv(name)
	if len(p) == 0 {
		return fallback
	}
	return p
}
