package api

import (
	"errors"
	"strconv"

	"contractrag/app/webhook"
	"contractrag/store"
	"contractrag/types"

	"github.com/gofiber/fiber/v2"
)

type WebhookHandler struct {
	store store.WebhookStore
}

func NewWebhookHandler(s store.WebhookStore) *WebhookHandler {
	return &WebhookHandler{store: s}
}

// createdWebhook is the only response that reveals the signing secret.
type createdWebhook struct {
	types.WebhookSubscription
	Secret string `json:"secret"`
}

func (h *WebhookHandler) HandleCreate(c *fiber.Ctx) error {
	var params types.WebhookParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	if len(params.EventTypes) == 0 {
		params.EventTypes = types.DefaultWebhookEvents
	}
	if params.Secret == "" {
		secret, err := webhook.GenerateSecret()
		if err != nil {
			return err
		}
		params.Secret = secret
	}

	sub := &types.WebhookSubscription{
		URL:        params.URL,
		EventTypes: params.EventTypes,
		Secret:     params.Secret,
		Active:     true,
	}
	if err := h.store.CreateWebhook(c.UserContext(), sub); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(createdWebhook{WebhookSubscription: *sub, Secret: sub.Secret})
}

func (h *WebhookHandler) HandleList(c *fiber.Ctx) error {
	subs, err := h.store.ListWebhooks(c.UserContext())
	if err != nil {
		return err
	}
	if subs == nil {
		subs = []types.WebhookSubscription{}
	}
	return c.JSON(subs)
}

func (h *WebhookHandler) HandleDelete(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return ErrInvalidID()
	}
	if err := h.store.DeleteWebhook(c.UserContext(), id); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return ErrNotFound(id, "webhook")
		}
		return err
	}
	return c.JSON(fiber.Map{"message": "Webhook deleted"})
}
