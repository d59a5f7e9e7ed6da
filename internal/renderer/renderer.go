// Package renderer defines the headless rendering contract used by the
// rendered-HTML adapter when a page is detected to need JS execution.
package renderer

import "context"

// Renderer renders a page with a headless browser and returns the fully
// rendered DOM as HTML.
type Renderer interface {
	// Render navigates to url, waits for waitFor (a CSS selector; empty
	// means "body"), and returns the outer HTML of the page.
	Render(ctx context.Context, url, waitFor string) (string, error)
}
