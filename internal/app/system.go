package app

import (
	"net/http"
	"time"

	"github.com/rickgao/sockethub/internal/connection"
	"github.com/rickgao/sockethub/internal/service"
	"github.com/rickgao/sockethub/internal/version"
)

// System returns the built-in service: a "ping" action answered with
// "pong" and GET /status describing the running instance.
func (a *App) System() *service.Service {
	started := time.Now()

	return &service.Service{
		Name: "system",
		Actions: map[string]service.ActionFunc{
			"ping": func(_ *connection.Record, _ any, reply service.ReplyFunc, _ any) error {
				reply(map[string]any{"pong": time.Now().UnixMilli()})
				return nil
			},
		},
		Routes: map[string]service.RouteFunc{
			"/status": func(_ http.ResponseWriter, _ *http.Request, send service.SendFunc) error {
				send(map[string]any{
					"instance_id": a.cfg.Instance.ID,
					"build":       version.Get(),
					"uptime":      time.Since(started).Round(time.Second).String(),
					"connections": a.Registry.Len(),
					"databases":   a.Databases.Names(),
					"services":    a.Dispatcher.Services(),
				})
				return nil
			},
		},
	}
}
