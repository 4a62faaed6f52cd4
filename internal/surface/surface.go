// Package surface delivers prompts to the user's reply surfaces. A surface
// (telegram bridge, web frontend, any bot) is an outbound webhook endpoint
// that renders the prompt to the user; replies come back through the HTTP
// API, not through this package.
package surface

import (
	"context"
	"log"
	"time"

	"github.com/Nurdok/spanreed/internal/domain"
)

// Dispatcher delivers one interaction request to the user.
type Dispatcher interface {
	Deliver(ctx context.Context, req domain.InteractionRequest) error
}

// Endpoint configures one named surface.
type Endpoint struct {
	// Name is the surface name programs ask on, e.g. "telegram".
	Name string `json:"name"`

	// URL receives the prompt payload by POST.
	URL string `json:"url"`

	// Secret signs the payload so the surface can verify origin.
	Secret string `json:"secret"`

	// Timeout bounds one delivery attempt. Zero means the default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// LogDispatcher writes prompts to the process log instead of delivering
// them anywhere. Used in development and as the fallback when no surfaces
// are configured; requests stay answerable through the API.
type LogDispatcher struct{}

func (LogDispatcher) Deliver(ctx context.Context, req domain.InteractionRequest) error {
	log.Printf("surface: prompt request=%s run=%s surfaces=%v prompt=%s",
		req.ID, req.RunID, req.Surfaces, req.Prompt)
	return nil
}
