// Package appctx provides the application context that holds all runtime dependencies.
package appctx

import (
	"time"

	"stream-gateway-go/pkg/config"
	"stream-gateway-go/pkg/logging"
	"stream-gateway-go/pkg/services"
	"stream-gateway-go/pkg/urlguard"
)

// Context holds all application runtime dependencies.
// Pass this single struct to components instead of individual parameters.
type Context struct {
	Config     *config.Config
	Log        *logging.Logger
	Validator  *urlguard.Validator
	Relay      *services.RelayService
	Extraction *services.ExtractionService

	// BrowserAvailable reports whether the browser tier can run.
	BrowserAvailable bool
	StartedAt        time.Time
}

// New creates a new application context.
func New(cfg *config.Config, log *logging.Logger) *Context {
	return &Context{
		Config:    cfg,
		Log:       log,
		StartedAt: time.Now(),
	}
}

// WithValidator sets the outbound URL validator.
func (c *Context) WithValidator(v *urlguard.Validator) *Context {
	c.Validator = v
	return c
}

// WithRelayService sets the relay service.
func (c *Context) WithRelayService(s *services.RelayService) *Context {
	c.Relay = s
	return c
}

// WithExtractionService sets the extraction service and whether its
// browser tier is available.
func (c *Context) WithExtractionService(s *services.ExtractionService, browserAvailable bool) *Context {
	c.Extraction = s
	c.BrowserAvailable = browserAvailable
	return c
}
