package routes

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/model-hub/internal/control"
	"github.com/any-hub/model-hub/internal/manifest"
	"github.com/any-hub/model-hub/internal/server"
)

// JobManager 是控制路由对任务调度的依赖，*control.Manager 满足该接口。
type JobManager interface {
	SubmitDownload(payload manifest.Manifest) (control.Job, error)
	SubmitClear(urls []string) (control.Job, error)
	Get(id string) (control.Job, bool)
	List() []control.Job
}

type clearPayload struct {
	URLs []string `json:"urls"`
}

// ControlRoutes 暴露 download / clear 控制消息：立即返回 202 与任务 ID，
// 任务在后台执行，通过 /-/jobs/:id 查询结果。
func ControlRoutes(jobs JobManager) server.AdminRoutes {
	return func(router fiber.Router) {
		if router == nil || jobs == nil {
			return
		}

		router.Post("/download", func(c fiber.Ctx) error {
			var payload manifest.Manifest
			if err := decodeBody(c.Body(), &payload); err != nil {
				return badRequest(c, "invalid_manifest", err)
			}
			if len(payload.URLs) == 0 && strings.TrimSpace(payload.BaseURL) == "" && payload.ModelLib == "" {
				return badRequest(c, "empty_manifest", nil)
			}
			if payload.Format != "" {
				if _, ok := manifest.Resolve(payload.Format); !ok {
					return badRequest(c, "unknown_format", manifest.ErrUnknownFormat)
				}
			}
			job, err := jobs.SubmitDownload(payload)
			if err != nil {
				return submitFailed(c, err)
			}
			return c.Status(fiber.StatusAccepted).JSON(job)
		})

		router.Post("/clear", func(c fiber.Ctx) error {
			var payload clearPayload
			if err := decodeBody(c.Body(), &payload); err != nil {
				return badRequest(c, "invalid_payload", err)
			}
			if len(payload.URLs) == 0 {
				return badRequest(c, "urls_required", nil)
			}
			job, err := jobs.SubmitClear(payload.URLs)
			if err != nil {
				return submitFailed(c, err)
			}
			return c.Status(fiber.StatusAccepted).JSON(job)
		})

		router.Get("/jobs", func(c fiber.Ctx) error {
			return c.JSON(fiber.Map{"jobs": jobs.List()})
		})

		router.Get("/jobs/:id", func(c fiber.Ctx) error {
			id := strings.TrimSpace(c.Params("id"))
			job, ok := jobs.Get(id)
			if !ok {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "job_not_found"})
			}
			return c.JSON(job)
		})
	}
}

func decodeBody(body []byte, target any) error {
	if len(body) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(body, target)
}

func badRequest(c fiber.Ctx, code string, err error) error {
	payload := fiber.Map{"error": code}
	if err != nil {
		payload["detail"] = err.Error()
	}
	return c.Status(fiber.StatusBadRequest).JSON(payload)
}

func submitFailed(c fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	if errors.Is(err, control.ErrClosed) {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"error": "submit_failed", "detail": err.Error()})
}
