package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"

	"github.com/sglre6355/meteogram/internal/domain"
	"github.com/sglre6355/meteogram/internal/usecase"
)

const (
	// HeaderModelStart carries the model run start of a served forecast, RFC 3339 in UTC.
	HeaderModelStart = "X-Model-Start"
	// HeaderAvailability carries the freshness classification of a served forecast.
	HeaderAvailability = "X-Forecast-Availability"
)

var validate = validator.New()

// NewApp builds the Fiber application with the error handler, health endpoint and API routes.
// metrics may be nil, in which case /metrics is not served.
func NewApp(service *usecase.ForecastService, metrics http.Handler, logger *slog.Logger) *fiber.App {
	if logger == nil {
		logger = slog.Default()
	}

	app := fiber.New(fiber.Config{
		AppName:               "meteogram",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          30 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				code = fiberErr.Code
			}
			if code >= fiber.StatusInternalServerError {
				logger.Error(
					"request failed",
					slog.String("method", c.Method()),
					slog.String("path", c.Path()),
					slog.Any("error", err),
				)
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "meteogram",
		})
	})

	if metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metrics))
	}

	RegisterRoutes(app, service)
	return app
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, service *usecase.ForecastService) {
	v1 := app.Group("/api/v1")
	profiles := v1.Group("/profiles")

	profiles.Get("/", func(c *fiber.Ctx) error {
		list, err := service.ListProfiles(c.UserContext())
		if err != nil {
			return mapError(err, "failed to list profiles")
		}

		now := time.Now()
		out := make([]profileResponse, 0, len(list))
		for _, profile := range list {
			out = append(out, newProfileResponse(c, service, profile, now))
		}
		return c.JSON(out)
	})

	profiles.Post("/", func(c *fiber.Ctx) error {
		var req createProfileRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		kind, err := domain.ParseModelKind(req.Model)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		profile, err := service.CreateProfile(c.UserContext(), req.Name, *req.X, *req.Y, kind)
		if err != nil {
			return mapError(err, "failed to create profile")
		}

		return c.Status(fiber.StatusCreated).JSON(newProfileResponse(c, service, profile, time.Now()))
	})

	profiles.Get("/:id", func(c *fiber.Ctx) error {
		id, err := profileID(c)
		if err != nil {
			return err
		}

		profile, err := service.GetProfile(c.UserContext(), id)
		if err != nil {
			return mapError(err, "failed to load profile")
		}

		return c.JSON(newProfileResponse(c, service, profile, time.Now()))
	})

	profiles.Delete("/:id", func(c *fiber.Ctx) error {
		id, err := profileID(c)
		if err != nil {
			return err
		}

		if err := service.DeleteProfile(c.UserContext(), id); err != nil {
			return mapError(err, "failed to delete profile")
		}

		return c.SendStatus(fiber.StatusNoContent)
	})

	profiles.Post("/:id/download", func(c *fiber.Ctx) error {
		id, err := profileID(c)
		if err != nil {
			return err
		}

		task, err := service.StartDownload(c.UserContext(), id)
		if err != nil {
			return mapError(err, "failed to start download")
		}

		return c.Status(fiber.StatusAccepted).JSON(newTaskResponse(task.Snapshot()))
	})

	profiles.Get("/:id/download", func(c *fiber.Ctx) error {
		id, err := profileID(c)
		if err != nil {
			return err
		}

		task, ok := service.Task(id)
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no download for requested profile")
		}

		return c.JSON(newTaskResponse(task.Snapshot()))
	})

	profiles.Delete("/:id/download", func(c *fiber.Ctx) error {
		id, err := profileID(c)
		if err != nil {
			return err
		}

		return c.JSON(fiber.Map{
			"profile_id": id,
			"cancelled":  service.Cancel(id),
		})
	})

	profiles.Get("/:id/forecast", func(c *fiber.Ctx) error {
		id, err := profileID(c)
		if err != nil {
			return err
		}

		record, err := service.CachedRecord(c.UserContext(), id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no forecast for requested profile")
			}
			return mapError(err, "failed to load forecast")
		}

		payload := record.Payload()
		availability := service.Freshness().Classify(&record, time.Now())

		c.Set(fiber.HeaderContentType, http.DetectContentType(payload))
		c.Set(HeaderModelStart, record.ModelStart().Format(time.RFC3339))
		c.Set(HeaderAvailability, string(availability))
		return c.Send(payload)
	})
}

// createProfileRequest is the body of the profile creation endpoint.
type createProfileRequest struct {
	Name  string `json:"name"  validate:"required,max=64"`
	X     *int32 `json:"x"     validate:"required,gte=0"`
	Y     *int32 `json:"y"     validate:"required,gte=0"`
	Model string `json:"model" validate:"required,oneof=um coamps"`
}

type profileResponse struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	X            int32      `json:"x"`
	Y            int32      `json:"y"`
	Model        string     `json:"model"`
	Dirty        bool       `json:"dirty"`
	Availability string     `json:"availability"`
	ModelStart   *time.Time `json:"model_start,omitempty"`
}

func newProfileResponse(
	c *fiber.Ctx,
	service *usecase.ForecastService,
	profile domain.LocationProfile,
	now time.Time,
) profileResponse {
	resp := profileResponse{
		ID:           profile.ID,
		Name:         profile.Name,
		X:            profile.X,
		Y:            profile.Y,
		Model:        profile.ModelKind.String(),
		Dirty:        profile.Dirty,
		Availability: string(domain.AvailabilityNotAvailable),
	}

	record, err := service.CachedRecord(c.UserContext(), profile.ID)
	if err != nil {
		return resp
	}

	start := record.ModelStart()
	resp.ModelStart = &start
	resp.Availability = string(service.Freshness().Classify(&record, now))
	return resp
}

type taskResponse struct {
	ProfileID int64  `json:"profile_id"`
	RunID     string `json:"run_id,omitempty"`
	State     string `json:"state"`
	Progress  int    `json:"progress"`
	Error     string `json:"error,omitempty"`
}

func newTaskResponse(snapshot usecase.TaskSnapshot) taskResponse {
	resp := taskResponse{
		ProfileID: snapshot.ProfileID,
		State:     snapshot.State.String(),
		Progress:  snapshot.Progress,
	}
	if snapshot.RunID != uuid.Nil {
		resp.RunID = snapshot.RunID.String()
	}
	if snapshot.Err != nil {
		resp.Error = snapshot.Err.Error()
	}
	return resp
}

func profileID(c *fiber.Ctx) (int64, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "profile id must be a positive integer")
	}
	return int64(id), nil
}

func mapError(err error, message string) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "requested profile does not exist")
	case errors.Is(err, domain.ErrAlreadyExists):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case domain.IsFatal(err):
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	case errors.Is(err, domain.ErrInvalidProfile):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, message)
	}
}
