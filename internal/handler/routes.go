package handler

import "github.com/gofiber/fiber/v2"

// Register mounts the job and admin routes under /api. submitLimit guards
// only the upload endpoint.
func Register(app *fiber.App, jobs *JobHandler, admin *AdminHandler, submitLimit fiber.Handler) {
	api := app.Group("/api")

	api.Post("/process", submitLimit, jobs.Submit)
	api.Get("/process/:jobId", jobs.Status)
	api.Get("/tracks/:jobId/:filename", jobs.Track)

	api.Get("/health", admin.Health)
	api.Get("/jobs", admin.Jobs)

	debug := api.Group("/debug")
	debug.Get("/storage", admin.DebugStorage)
	debug.Get("/job/:jobId", admin.DebugJob)

	api.Post("/recovery/reload-jobs", admin.Reload)

	cache := api.Group("/cache")
	cache.Post("/clear", admin.ClearCache)
	cache.Post("/clear-temp", admin.ClearTemp)
	cache.Post("/clear-disk-jobs", admin.ClearDiskJobs)
	cache.Get("/status", admin.CacheStatus)
}
