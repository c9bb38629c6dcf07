package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config holds database connection configuration.
type Config struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// DefaultConfig returns sensible pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:    25,
		MinConns:    5,
		Timeout:     5 * time.Second,
		MaxLifetime: 30 * time.Minute,
		MaxIdleTime: 5 * time.Minute,
	}
}

// ConnectionManager manages the PostgreSQL primary and optional read
// replicas. Reads are spread over replicas round-robin; writes and
// migrations always go to the primary.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32 // atomic counter for round-robin selection
	config   Config
}

// NewConnectionManager opens and verifies the primary and replica pools.
func NewConnectionManager(config Config) (*ConnectionManager, error) {
	cm := &ConnectionManager{
		config:   config,
		replicas: make([]*sql.DB, 0, len(config.ReplicaURLs)),
	}

	primary, err := openPool(config.PrimaryURL, config, config.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary: %w", err)
	}
	cm.primary = primary

	// Replicas are optional; a replica that fails to connect is skipped.
	replicaMaxConns := config.MaxConns / 2
	if replicaMaxConns < 2 {
		replicaMaxConns = 2
	}
	for _, url := range config.ReplicaURLs {
		replica, err := openPool(url, config, replicaMaxConns)
		if err != nil {
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	return cm, nil
}

func openPool(url string, config Config, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(config.MinConns)
	db.SetConnMaxLifetime(config.MaxLifetime)
	db.SetConnMaxIdleTime(config.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Primary returns the write connection pool.
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Reader returns a pool for read queries: a replica chosen round-robin, or
// the primary when no replicas are configured.
func (cm *ConnectionManager) Reader() *sql.DB {
	if len(cm.replicas) == 0 {
		return cm.primary
	}
	n := atomic.AddUint32(&cm.current, 1)
	return cm.replicas[int(n)%len(cm.replicas)]
}

// HealthCheck pings the primary within the configured timeout.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, cm.config.Timeout)
	defer cancel()
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary ping failed: %w", err)
	}
	return nil
}

// Close closes the primary and every replica pool.
func (cm *ConnectionManager) Close() error {
	var firstErr error
	if err := cm.primary.Close(); err != nil {
		firstErr = err
	}
	for _, replica := range cm.replicas {
		if err := replica.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
