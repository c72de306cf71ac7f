package sql

import (
	"database/sql"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type SQLCollectorFactory func(db *sql.DB) (prometheus.Collector, error)

// SQLRegistry holds factories for collectors that query the export
// database.
type SQLRegistry struct {
	factories []SQLCollectorFactory
}

func NewSQLRegistry() *SQLRegistry {
	return &SQLRegistry{
		factories: make([]SQLCollectorFactory, 0),
	}
}

func (r *SQLRegistry) Register(factory SQLCollectorFactory) {
	r.factories = append(r.factories, factory)
}

// CreateSQLCollectors instantiates all registered collectors over db.
func (r *SQLRegistry) CreateSQLCollectors(db *sql.DB) ([]prometheus.Collector, error) {
	if db == nil {
		return nil, errors.New("export database is nil")
	}

	collectors := make([]prometheus.Collector, 0, len(r.factories))
	for _, factory := range r.factories {
		collector, err := factory(db)
		if err != nil {
			return nil, err
		}
		collectors = append(collectors, collector)
	}
	return collectors, nil
}

var DefaultSQLRegistry = NewSQLRegistry()

func RegisterSQLCollectorFactory(factory SQLCollectorFactory) {
	DefaultSQLRegistry.Register(factory)
}
