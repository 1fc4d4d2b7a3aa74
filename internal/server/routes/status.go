package routes

import (
	"sort"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/model-hub/internal/manifest"
	"github.com/any-hub/model-hub/internal/modelcache"
	"github.com/any-hub/model-hub/internal/server"
)

// StatusSource 提供存储后端与在途会话信息，*modelcache.Cache 满足该接口。
type StatusSource interface {
	Sessions() []modelcache.SessionStatus
	Backends() (data string, meta string)
}

// StatusRoutes 暴露 /-/status 与 /-/formats 诊断接口，供 SRE 查询 Origin 绑定、
// 存储后端与下载进度。
func StatusRoutes(registry *server.OriginRegistry, source StatusSource) server.AdminRoutes {
	return func(router fiber.Router) {
		if router == nil || source == nil {
			return
		}

		router.Get("/status", func(c fiber.Ctx) error {
			data, meta := source.Backends()
			sessions := source.Sessions()
			if sessions == nil {
				sessions = []modelcache.SessionStatus{}
			}
			return c.JSON(fiber.Map{
				"origins": encodeOrigins(registry.List()),
				"store": fiber.Map{
					"data": data,
					"meta": meta,
				},
				"sessions": sessions,
			})
		})

		router.Get("/formats", func(c fiber.Ctx) error {
			return c.JSON(fiber.Map{
				"default": manifest.DefaultFormat,
				"formats": encodeFormats(manifest.Names()),
			})
		})
	}
}

type originPayload struct {
	Name           string   `json:"name"`
	Domain         string   `json:"domain"`
	Upstream       string   `json:"upstream"`
	Port           int      `json:"port"`
	AuthMode       string   `json:"auth_mode"`
	Include        []string `json:"include,omitempty"`
	ManifestFormat string   `json:"manifest_format"`
}

type formatPayload struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Companions  []string `json:"companions"`
	Index       string   `json:"index,omitempty"`
}

func encodeOrigins(routes []server.OriginRoute) []originPayload {
	if len(routes) == 0 {
		return []originPayload{}
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]originPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, originPayload{
			Name:           route.Config.Name,
			Domain:         route.Config.Domain,
			Upstream:       route.Config.Upstream,
			Port:           route.ListenPort,
			AuthMode:       route.Config.AuthMode(),
			Include:        append([]string(nil), route.Config.Include...),
			ManifestFormat: route.Config.ManifestFormat,
		})
	}
	return result
}

func encodeFormats(names []string) []formatPayload {
	result := make([]formatPayload, 0, len(names))
	for _, name := range names {
		format, ok := manifest.Resolve(name)
		if !ok {
			continue
		}
		result = append(result, formatPayload{
			Name:        format.Name,
			Description: format.Description,
			Companions:  append([]string(nil), format.Companions...),
			Index:       format.Index,
		})
	}
	return result
}
