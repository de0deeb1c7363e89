package handler

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"onlinevpn/internal/guard"
	"onlinevpn/internal/service"
	"onlinevpn/internal/session"
)

// entryPage is the setup form clients use to bind a browsing context.
const entryPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>OnlineVPN - Web Proxy</title>
    <style>
        body { font-family: Arial, sans-serif; max-width: 800px; margin: 50px auto; padding: 20px; background-color: #f5f5f5; }
        .container { background: white; padding: 30px; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        h1 { color: #333; text-align: center; }
        .form-group { margin-bottom: 20px; }
        label { display: block; margin-bottom: 5px; font-weight: bold; color: #555; }
        input[type="text"], textarea { width: 100%; padding: 10px; border: 1px solid #ddd; border-radius: 4px; box-sizing: border-box; }
        textarea { min-height: 100px; resize: vertical; }
        button { background-color: #4CAF50; color: white; padding: 12px 30px; border: none; border-radius: 4px; cursor: pointer; font-size: 16px; width: 100%; }
        button:hover { background-color: #45a049; }
        .help-text { font-size: 12px; color: #777; margin-top: 5px; }
    </style>
</head>
<body>
    <div class="container">
        <h1>OnlineVPN - Web Proxy</h1>
        <p style="text-align: center; color: #666;">Access any website through our proxy service</p>

        <form method="POST" action="/proxy">
            <div class="form-group">
                <label for="target_url">Target URL:</label>
                <input type="text" id="target_url" name="target_url" placeholder="https://example.com/page" required>
                <div class="help-text">Enter the full URL you want to access</div>
            </div>

            <div class="form-group">
                <label for="domains">Domains to rewrite (one per line):</label>
                <textarea id="domains" name="domains" placeholder="example.com&#10;cdn.example.com"></textarea>
                <div class="help-text">Domains (without http/https) whose links should stay inside the proxy. Defaults to the target's own domain.</div>
            </div>

            <button type="submit">Access via Proxy</button>
        </form>
    </div>
</body>
</html>
`

// SetupHandler serves the entry form and establishes browsing contexts.
type SetupHandler struct {
	codec   *session.Codec
	checker service.TargetChecker
	logger  *slog.Logger
}

// NewSetupHandler creates a SetupHandler guarded by g.
func NewSetupHandler(codec *session.Codec, g *guard.Guard, logger *slog.Logger) *SetupHandler {
	return &SetupHandler{
		codec:   codec,
		checker: g,
		logger:  logger.With("component", "setup_handler"),
	}
}

// Form renders the entry form.
func (h *SetupHandler) Form(c echo.Context) error {
	return c.HTML(http.StatusOK, entryPage)
}

// Establish validates the submitted target and domain list, checks the
// target against the safety guard, binds the context into a signed cookie,
// and redirects to the target's path so the address bar reflects the
// requested resource.
func (h *SetupHandler) Establish(c echo.Context) error {
	sess, err := session.Establish(c.FormValue("target_url"), c.FormValue("domains"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}

	origin, err := sess.Origin()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}

	if err := h.checker.CheckURL(c.Request().Context(), origin); err != nil {
		h.logger.Warn("setup target blocked",
			"target", sess.OriginURL,
			"err", err.Error(),
		)
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "target is not reachable through this proxy",
		})
	}

	value, err := h.codec.Encode(sess)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to establish session",
		})
	}

	c.SetCookie(&http.Cookie{
		Name:     session.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(h.codec.MaxAge() / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	h.logger.Info("context established",
		"origin", sess.OriginURL,
		"domains", len(sess.Domains),
	)

	return c.Redirect(http.StatusSeeOther, pathOf(origin))
}

// pathOf reduces a URL to its path+query, defaulting to "/".
func pathOf(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
