package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/postpilot/api/internal/scheduler"
	"github.com/postpilot/api/internal/service"
)

func GetUserID(c *fiber.Ctx) int64 {
	userID, _ := strconv.Atoi(c.Locals("user_id").(string))
	return int64(userID)
}

// statusForError maps the service error kinds onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, service.ErrAccountNotLinked),
		errors.Is(err, service.ErrPostNotFound),
		errors.Is(err, service.ErrJobNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, service.ErrSessionExpired):
		return fiber.StatusUnauthorized
	case errors.Is(err, service.ErrInvalidScheduleTime),
		errors.Is(err, service.ErrPublishFailed),
		errors.Is(err, scheduler.ErrDuplicateJob):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}
