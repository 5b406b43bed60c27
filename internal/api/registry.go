package api

import (
	"errors"

	"github.com/genome-tiles/server/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Tracks int    `json:"tracks"`
}

// DatasetRegistry holds the datasets served by the router.
type DatasetRegistry struct {
	datasets       map[string]*service.Dataset
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		datasets:       make(map[string]*service.Dataset),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds a dataset.
func (r *DatasetRegistry) Register(datasetID string, ds *service.Dataset) {
	r.datasets[datasetID] = ds
}

// Get returns a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.Dataset {
	return r.datasets[datasetID]
}

// Default returns the default dataset.
func (r *DatasetRegistry) Default() *service.Dataset {
	return r.datasets[r.defaultDataset]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Genome-Tiles"
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		ds := r.datasets[id]
		if ds == nil {
			continue
		}
		infos = append(infos, DatasetInfo{
			ID:     id,
			Name:   id,
			Tracks: len(ds.Tracks()),
		})
	}
	return infos
}

// Close closes every registered dataset.
func (r *DatasetRegistry) Close() error {
	var errs []error
	for _, id := range r.datasetOrder {
		if ds := r.datasets[id]; ds != nil {
			errs = append(errs, ds.Close())
		}
	}
	return errors.Join(errs...)
}
