package assets

import (
	"fmt"
	"log/slog"
	"net/http"

	"metrofleet/internal/compute"
	"metrofleet/internal/config"
	"metrofleet/internal/extract"
	"metrofleet/internal/load"
	"metrofleet/internal/warehouse"
)

// Resources are the shared collaborators every asset body may use. They are
// built once by the application and passed to New.
type Resources struct {
	Warehouse warehouse.Connector
	Loader    *load.Loader
	Runner    extract.Runner
	Models    *compute.ModelStore
	Config    *config.Config
	Logger    *slog.Logger

	// RawDir receives downloaded source files
	RawDir string
	// HTTPClient is used for API sources; nil means a client with the
	// configured weather timeout.
	HTTPClient *http.Client
}

func (r Resources) validate() error {
	switch {
	case r.Warehouse == nil:
		return fmt.Errorf("resources: warehouse is required")
	case r.Loader == nil:
		return fmt.Errorf("resources: loader is required")
	case r.Runner == nil:
		return fmt.Errorf("resources: process runner is required")
	case r.Models == nil:
		return fmt.Errorf("resources: model store is required")
	case r.Config == nil:
		return fmt.Errorf("resources: config is required")
	}
	return nil
}
