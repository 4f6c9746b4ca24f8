package status

import (
	"time"

	"github.com/youwol/ywinfra/pkg/deploy"
)

// Sanity summarizes the health of an installed package
type Sanity string

const (
	SanitySane   Sanity = "SANE"
	SanityBroken Sanity = "BROKEN"
)

// PackageStatus is the observed state of a declared package.
// Sanity is nil when the package is not installed.
type PackageStatus struct {
	Name      string    `json:"name"`
	Namespace string    `json:"namespace"`
	Kind      string    `json:"kind"`
	Installed bool      `json:"installed"`
	Sanity    *Sanity   `json:"sanity"`
	Pending   bool      `json:"pending"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Key returns the package reference
func (s PackageStatus) Key() deploy.Key {
	return deploy.Key{Name: s.Name, Namespace: s.Namespace}
}

// changed reports whether other differs in what subscribers care about
func (s PackageStatus) changed(other PackageStatus) bool {
	if s.Installed != other.Installed || s.Pending != other.Pending || s.Error != other.Error {
		return true
	}
	if (s.Sanity == nil) != (other.Sanity == nil) {
		return true
	}
	return s.Sanity != nil && *s.Sanity != *other.Sanity
}

// Notifier is told about status changes
type Notifier interface {
	Notify(s PackageStatus) error
}
