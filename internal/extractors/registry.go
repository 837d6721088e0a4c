package extractors

import (
	"github.com/joshband/copy-that/internal/interfaces"
)

// NewRegistry returns a registry holding the built-in extractors
func NewRegistry() (*interfaces.Registry, error) {
	r := interfaces.NewRegistry()
	if err := r.Register(NewPalette()); err != nil {
		return nil, err
	}
	return r, nil
}
