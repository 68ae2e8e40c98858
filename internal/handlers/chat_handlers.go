package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-relay/internal/chat"
	"github.com/pelusa-v/pelusa-relay/internal/push"
	"github.com/pelusa-v/pelusa-relay/internal/store"
)

const defaultRequestTimeout = 10 * time.Second

// Handler serves the HTTP surface around the relay core.
type Handler struct {
	Manager  *chat.ChatManager
	Registry store.DeviceRegistry
	Notifier push.Notifier
	Logger   zerolog.Logger
	Timeout  time.Duration
}

// Routes mounts every endpoint on app.
func Routes(app *fiber.App, h *Handler) {
	app.Get("/", h.Liveness)
	app.Get("/ws", requireUpgrade, websocket.New(h.Connect))
	app.Get("/api/presence", h.Presence)

	app.Post("/register-device", h.RegisterDevice)
	app.Post("/api/register-token", h.RegisterDevice)
	app.Post("/send-notification", h.SendNotification)
	app.Post("/api/send-notification", h.SendNotification)
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Liveness GET /
func (h *Handler) Liveness(c *fiber.Ctx) error {
	return c.SendString("pelusa relay is running")
}

// Connect GET /ws?participantId=
func (h *Handler) Connect(c *websocket.Conn) {
	client := h.Manager.NewClient(c)
	h.Manager.Register(client)
	defer h.Manager.Unregister(client)

	if participantID := strings.TrimSpace(c.Query("participantId")); participantID != "" {
		if err := h.Manager.BindIdentity(client, participantID); err != nil {
			h.Logger.Warn().Err(err).Msg("Could not bind identity on connect.")
		}
	}
	go client.WritePump()
	client.ReadPump()
}

// Presence GET /api/presence
func (h *Handler) Presence(c *fiber.Ctx) error {
	return c.JSON(h.Manager.Presence().Snapshot())
}

type registerDeviceRequest struct {
	ParticipantID   string `json:"participantId"`
	DeliveryAddress string `json:"deliveryAddress"`
	ConversationKey string `json:"conversationKey"`

	// field names of older mobile clients
	UserID  string `json:"userId"`
	Token   string `json:"token"`
	LinkKey string `json:"linkKey"`
}

// RegisterDevice POST /register-device, POST /api/register-token
func (h *Handler) RegisterDevice(c *fiber.Ctx) error {
	var req registerDeviceRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	reg := store.DeviceRegistration{
		ParticipantID:   pick(req.ParticipantID, req.UserID),
		DeliveryAddress: pick(req.DeliveryAddress, req.Token),
		ConversationKey: pick(req.ConversationKey, req.LinkKey),
	}
	if err := reg.Validate(); err != nil {
		return badRequest(c, "participantId, deliveryAddress and conversationKey are required")
	}

	ctx, cancel := h.requestContext()
	defer cancel()
	if err := h.Registry.Register(ctx, reg); err != nil {
		h.Logger.Error().Err(err).
			Str("participant", reg.ParticipantID).
			Str("conversation", reg.ConversationKey).
			Msg("Could not register device.")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "could not register device"})
	}
	return c.JSON(fiber.Map{"success": true})
}

type sendNotificationRequest struct {
	DeliveryAddress string `json:"deliveryAddress"`
	Title           string `json:"title"`
	Body            string `json:"body"`
	ConversationKey string `json:"conversationKey"`

	Token   string `json:"token"`
	LinkKey string `json:"linkKey"`
}

// SendNotification POST /send-notification, POST /api/send-notification
func (h *Handler) SendNotification(c *fiber.Ctx) error {
	var req sendNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	n := push.Notification{
		DeliveryAddress: pick(req.DeliveryAddress, req.Token),
		Title:           strings.TrimSpace(req.Title),
		Body:            req.Body,
		ConversationKey: pick(req.ConversationKey, req.LinkKey),
	}
	if n.DeliveryAddress == "" || n.Title == "" {
		return badRequest(c, "deliveryAddress and title are required")
	}

	ctx, cancel := h.requestContext()
	defer cancel()
	if err := h.Notifier.Notify(ctx, n); err != nil {
		h.Logger.Error().Err(err).Str("conversation", n.ConversationKey).Msg("Could not send notification.")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "could not send notification"})
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *Handler) requestContext() (context.Context, context.CancelFunc) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": msg})
}

func pick(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
