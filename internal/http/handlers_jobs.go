package http

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"diffusion/internal/jobs"
	"diffusion/internal/services"
	"diffusion/internal/store"
)

// jobsListHandler lists in-memory jobs, newest first. Optional query
// params: status, limit (default 50, max 500).
func jobsListHandler(c *fiber.Ctx) error {
	svc := serviceFrom(c)

	var status jobs.Status
	if v := c.Query("status"); v != "" {
		status = jobs.Status(v)
		if !status.Valid() {
			return c.Status(fiber.StatusBadRequest).JSON(ListJobsResponse{
				Success: false,
				Code:    "BAD_REQUEST",
				Error:   "invalid status value; expected pending, running, completed or failed",
			})
		}
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(ListJobsResponse{
				Success: false,
				Code:    "BAD_REQUEST",
				Error:   "invalid limit value",
			})
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	list := svc.List(jobs.ListFilter{Status: status, Limit: limit})
	items := make([]JobItem, 0, len(list))
	for _, j := range list {
		items = append(items, toJobItem(j))
	}

	return c.JSON(ListJobsResponse{
		Success: true,
		Jobs:    items,
		Counts:  statusCounts(svc.Counts()),
	})
}

func jobDetailHandler(c *fiber.Ctx) error {
	svc := serviceFrom(c)

	job, err := svc.Job(c.Params("id"))
	if err != nil {
		if errors.Is(err, services.ErrJobNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(JobDetailResponse{
				Success: false,
				Code:    "NOT_FOUND",
				Error:   "job not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(JobDetailResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	item := toJobItem(job)
	return c.JSON(JobDetailResponse{Success: true, Job: &item})
}

// jobEventsHandler returns the audit trail recorded for a job. Events
// outlive in-memory records, so unknown ids are not an error here.
func jobEventsHandler(c *fiber.Ctx) error {
	st, _ := c.Locals("store").(*store.Store)
	if st == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Success: false,
			Code:    "EVENTS_DISABLED",
			Error:   "job events require database.dsn to be configured",
		})
	}

	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid job id",
		})
	}

	events, err := st.ListJobEvents(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}
	if events == nil {
		events = []store.JobEvent{}
	}

	return c.JSON(JobEventsResponse{Success: true, Events: events})
}
