package internal

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/empdb/internal/archive"
	"github.com/dcrodman/empdb/internal/backup"
	"github.com/dcrodman/empdb/internal/core"
	"github.com/dcrodman/empdb/internal/server"
	"github.com/dcrodman/empdb/internal/store"
)

// shutdownTimeout bounds the archive and backup steps that run after the server stops.
const shutdownTimeout = time.Minute

// RecordStore is the database the controller serves and flushes.
type RecordStore interface {
	server.Store
	Flush() error
	Path() string
	Close() error
}

// Controller is the main entrypoint for empdb. It's responsible for initializing
// any shared resources (such as the database and logging), running the server, and
// persisting everything once the server stops.
type Controller struct {
	Config *core.Config
	// Store and Logger are built from Config if they are not set.
	Store  RecordStore
	Logger *logrus.Logger

	server    *server.Server
	readyOnce sync.Once
	ready     chan struct{}
}

// Start runs the server until ctx is cancelled, then flushes the database. The
// returned error is non-nil if the server could not start or failed while running.
func (c *Controller) Start(ctx context.Context) error {
	var err error
	if c.Logger == nil {
		// Set up the logger, which will be used by every component.
		if c.Logger, err = core.NewLogger(c.Config); err != nil {
			return fmt.Errorf("error initializing logger: %w", err)
		}
	}

	if c.Store == nil {
		db, err := store.Open(c.Config.DatabaseFile, c.Config.NewFile)
		if err != nil {
			return fmt.Errorf("error opening database %s: %w", c.Config.DatabaseFile, err)
		}
		c.Store = db
	}
	defer func() {
		if err := c.Store.Close(); err != nil {
			c.Logger.Warnf("error closing database: %v", err)
		}
	}()

	c.server = server.New(server.Options{
		Port:           c.Config.Port,
		MaxConnections: c.Config.MaxConnections,
		BufferSize:     c.Config.BufferSize,
		OutboxLimit:    c.Config.OutboxLimit,
		Backlog:        c.Config.Backlog,
		PacketLogging:  c.Config.Debugging.PacketLoggingEnabled,
	}, c.Store, c.Logger)
	if err := c.server.Listen(); err != nil {
		return fmt.Errorf("error listening on %s: %w", c.Config.ListenAddress(), err)
	}
	close(c.readyChan())

	if err := c.server.Serve(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return c.Shutdown(ctx)
}

// Shutdown flushes the database and then runs the optional archive and backup steps.
// Only a failed flush is reported; the other steps just log.
func (c *Controller) Shutdown(ctx context.Context) error {
	if err := c.Store.Flush(); err != nil {
		return fmt.Errorf("error flushing database: %w", err)
	}
	c.Logger.Infof("flushed %d employees to %s", len(c.Store.Employees()), c.Store.Path())

	// ctx has usually been cancelled by now.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	c.archive(ctx)
	c.backup(ctx)
	return nil
}

func (c *Controller) archive(ctx context.Context) {
	if c.Config.Archive.Engine == "" || c.Config.Archive.Engine == "none" {
		return
	}
	archiver, err := archive.New(c.Config, c.Logger)
	if err != nil {
		c.Logger.Errorf("error initializing %s archive: %v", c.Config.Archive.Engine, err)
		return
	}
	defer archiver.Close()

	if err := archiver.Archive(ctx, c.Store.Employees()); err != nil {
		c.Logger.Errorf("error archiving employees: %v", err)
		return
	}
	c.Logger.Infof("archived employees to %s", c.Config.Archive.Engine)
}

func (c *Controller) backup(ctx context.Context) {
	if !c.Config.Backup.Enabled {
		return
	}
	uploader, err := backup.NewS3Uploader(ctx, c.Config)
	if err != nil {
		c.Logger.Errorf("error initializing backups: %v", err)
		return
	}
	key, err := uploader.Upload(ctx, c.Store.Path())
	if err != nil {
		c.Logger.Errorf("error backing up database: %v", err)
		return
	}
	c.Logger.WithFields(logrus.Fields{"bucket": c.Config.Backup.Bucket, "key": key}).Info("backed up database")
}

func (c *Controller) readyChan() chan struct{} {
	c.readyOnce.Do(func() { c.ready = make(chan struct{}) })
	return c.ready
}

// Ready is closed once the server is accepting connections.
func (c *Controller) Ready() <-chan struct{} {
	return c.readyChan()
}

// Addr returns the address the server is listening on. It is only valid after
// Ready has been closed.
func (c *Controller) Addr() net.Addr {
	return c.server.Addr()
}
