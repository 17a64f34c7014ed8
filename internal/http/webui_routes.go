package http

import (
	"io/fs"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"

	webui "diffusion/frontend"
)

// registerWebUIRoutes serves the embedded demo page. It must be
// registered after the API routes so it never shadows them.
func registerWebUIRoutes(app *fiber.App) {
	distFS, err := fs.Sub(webui.FS(), "dist")
	if err != nil {
		return
	}

	indexHTML, err := fs.ReadFile(distFS, "index.html")
	if err != nil {
		return
	}

	serveIndex := func(c *fiber.Ctx) error {
		c.Set("Cache-Control", "no-cache")
		c.Type("html", "utf-8")
		return c.Send(indexHTML)
	}

	app.Get("/", serveIndex)

	app.Get("/*", func(c *fiber.Ctx) error {
		cleaned := strings.TrimPrefix(path.Clean(c.Path()), "/")
		if cleaned == "" || cleaned == "." || cleaned == "index.html" {
			return serveIndex(c)
		}

		// Only static files live here; anything else is an unknown route.
		ext := filepath.Ext(cleaned)
		if ext == "" {
			return fiber.ErrNotFound
		}

		payload, err := fs.ReadFile(distFS, cleaned)
		if err != nil {
			return fiber.ErrNotFound
		}

		c.Set("Cache-Control", "no-cache")
		if ct := mime.TypeByExtension(ext); ct != "" {
			c.Set("Content-Type", ct)
		} else {
			c.Type(ext)
		}

		return c.Send(payload)
	})
}
