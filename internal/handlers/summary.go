package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/meetkit/live-transcription/internal/summary"
)

// SummaryHandler exposes the stateless transcript→summary call.
type SummaryHandler struct {
	client      *summary.Client
	apiToken    string
	bypassToken string
}

// NewSummaryHandler creates a new summary handler. bypassToken is a
// development-only credential accepted in the X-Dev-Bypass header for local
// testing without full authentication.
func NewSummaryHandler(client *summary.Client, apiToken, bypassToken string) *SummaryHandler {
	return &SummaryHandler{
		client:      client,
		apiToken:    apiToken,
		bypassToken: bypassToken,
	}
}

type summarizeRequest struct {
	Transcript  string `json:"transcript"`
	Instruction string `json:"instruction,omitempty"`
}

// Handle processes the summarize request.
func (h *SummaryHandler) Handle(c *fiber.Ctx) error {
	if !h.authorized(c) {
		return c.Status(401).JSON(fiber.Map{
			"error": "Missing or invalid credentials",
			"code":  "ERR_UNAUTHORIZED",
		})
	}

	var req summarizeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Malformed request body",
			"code":  "ERR_BAD_REQUEST",
		})
	}
	if req.Transcript == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "Transcript is required",
			"code":  "ERR_NO_TRANSCRIPT",
		})
	}

	text, err := h.client.Summarize(c.Context(), req.Transcript, req.Instruction)
	if err != nil {
		var serr *summary.Error
		if errors.As(err, &serr) {
			return c.Status(statusFor(serr.Code)).JSON(fiber.Map{
				"error": serr.Err.Error(),
				"code":  serr.Code,
			})
		}
		return c.Status(502).JSON(fiber.Map{
			"error": err.Error(),
			"code":  summary.FailProviderError,
		})
	}

	return c.JSON(fiber.Map{"summary": text})
}

func (h *SummaryHandler) authorized(c *fiber.Ctx) bool {
	if h.bypassToken != "" && c.Get("X-Dev-Bypass") == h.bypassToken {
		return true
	}
	if h.apiToken == "" {
		return true
	}
	return c.Get("Authorization") == "Bearer "+h.apiToken
}

func statusFor(code string) int {
	switch code {
	case summary.FailNotConfigured:
		return 503
	case summary.FailTimeout:
		return 504
	default:
		return 502
	}
}
