// Package controller holds the contracts shared by every fermpi subsystem.
package controller

import (
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/fermpi/fermpi/controller/storage"
)

// Subsystem is a self-contained part of the daemon with its own REST routes
// and background work.
type Subsystem interface {
	Setup() error
	LoadAPI(*mux.Router)
	Start()
	Stop()
}

// Controller is what a subsystem gets from the daemon.
type Controller interface {
	Store() storage.Store
	Logger() *logrus.Logger
	LogError(module, msg string)
}

type controller struct {
	store  storage.Store
	logger *logrus.Logger
}

func New(store storage.Store, logger *logrus.Logger) Controller {
	return &controller{store: store, logger: logger}
}

func (c *controller) Store() storage.Store { return c.store }
func (c *controller) Logger() *logrus.Logger { return c.logger }

func (c *controller) LogError(module, msg string) {
	c.logger.WithField("module", module).Error(msg)
}
