// Package storage builds the configured object storage provider.
package storage

import "avs/internal/ports"

// Provider is the storage contract used across API and Worker.
type Provider = ports.StorageProvider
