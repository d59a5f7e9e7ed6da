package renderer

import (
	"context"
	"fmt"
)

// Noop rejects every render request; used when headless rendering is not
// configured so the rendered-HTML adapter fails loud instead of silently
// returning unrendered markup.
type Noop struct{}

// Render implements Renderer.
func (Noop) Render(_ context.Context, url, _ string) (string, error) {
	return "", fmt.Errorf("renderer: headless rendering not configured, cannot render %s", url)
}
