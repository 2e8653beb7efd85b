// Package registry discovers preprocessor and lens-selector backends and
// resolves service names to base URLs at call time.
package registry

import "context"

// Discoverer lists the base URLs of services carrying a label, in the order
// the underlying platform reports them.
type Discoverer interface {
	ListByLabel(ctx context.Context, selector string) ([]string, error)
}
