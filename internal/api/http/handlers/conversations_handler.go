package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/conversation-engine/internal/api/dto"
	"github.com/spec-kit/conversation-engine/internal/auth"
	"github.com/spec-kit/conversation-engine/internal/domain"
	"github.com/spec-kit/conversation-engine/internal/service"
	apperrors "github.com/spec-kit/conversation-engine/pkg/util/errorutil"
)

// ConversationsHandler exposes distribution operations to consoles and connectors.
type ConversationsHandler struct {
	service *service.DistributionService
}

// NewConversationsHandler constructs handler.
func NewConversationsHandler(distribution *service.DistributionService) *ConversationsHandler {
	return &ConversationsHandler{service: distribution}
}

// Create POST /conversations.
func (h *ConversationsHandler) Create(c *fiber.Ctx) error {
	var req dto.CreateConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	conv, err := h.service.CreateOrGet(c.UserContext(), naturalKey(req), req.QueueID)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"data": dto.NewConversationResponse(conv)})
}

// Inbound POST /conversations/inbound.
func (h *ConversationsHandler) Inbound(c *fiber.Ctx) error {
	var req dto.InboundMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	var receivedAt time.Time
	if req.ReceivedAt != nil {
		receivedAt = *req.ReceivedAt
	}
	conv, msg, err := h.service.RecordInbound(c.UserContext(), service.InboundMessage{
		Key:        naturalKey(req.CreateConversationRequest),
		QueueID:    req.QueueID,
		MessageID:  req.MessageID,
		Body:       req.Body,
		Attachment: req.Attachment.ToAttachment(),
		ReceivedAt: receivedAt,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"data": fiber.Map{
		"conversation": dto.NewConversationResponse(conv),
		"message":      dto.NewMessageResponse(msg),
	}})
}

// Get GET /conversations/:id.
func (h *ConversationsHandler) Get(c *fiber.Ctx) error {
	conv, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewConversationResponse(conv)})
}

// Notes GET /conversations/:id/notes.
func (h *ConversationsHandler) Notes(c *fiber.Ctx) error {
	notes, err := h.service.ListNotes(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	items := make([]dto.NoteResponse, 0, len(notes))
	for _, note := range notes {
		items = append(items, dto.NoteResponse{ID: note.ID, Kind: note.Kind, Body: note.Body, CreatedAt: note.CreatedAt})
	}
	return c.JSON(fiber.Map{"data": items})
}

// Accept POST /conversations/:id/accept.
func (h *ConversationsHandler) Accept(c *fiber.Ctx) error {
	advisorID, err := advisorFromContext(c)
	if err != nil {
		return err
	}
	return respond(c)(h.service.Accept(c.UserContext(), c.Params("id"), advisorID))
}

// Release POST /conversations/:id/release.
func (h *ConversationsHandler) Release(c *fiber.Ctx) error {
	return respond(c)(h.service.Release(c.UserContext(), c.Params("id")))
}

// Archive POST /conversations/:id/archive.
func (h *ConversationsHandler) Archive(c *fiber.Ctx) error {
	return respond(c)(h.service.Archive(c.UserContext(), c.Params("id")))
}

// Close POST /conversations/:id/close.
func (h *ConversationsHandler) Close(c *fiber.Ctx) error {
	return respond(c)(h.service.Close(c.UserContext(), c.Params("id")))
}

// Reopen POST /conversations/:id/reopen.
func (h *ConversationsHandler) Reopen(c *fiber.Ctx) error {
	return respond(c)(h.service.Reopen(c.UserContext(), c.Params("id")))
}

// Read POST /conversations/:id/read.
func (h *ConversationsHandler) Read(c *fiber.Ctx) error {
	advisorID, err := advisorFromContext(c)
	if err != nil {
		return err
	}
	return respond(c)(h.service.MarkRead(c.UserContext(), c.Params("id"), advisorID))
}

// Transfer POST /conversations/:id/transfer.
func (h *ConversationsHandler) Transfer(c *fiber.Ctx) error {
	var req dto.TransferRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	return respond(c)(h.service.Transfer(c.UserContext(), c.Params("id"), service.TransferTarget{
		QueueID:   req.QueueID,
		AdvisorID: req.AdvisorID,
	}))
}

// AssignBot POST /conversations/:id/bot.
func (h *ConversationsHandler) AssignBot(c *fiber.Ctx) error {
	var req dto.AssignBotRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	return respond(c)(h.service.AssignBot(c.UserContext(), c.Params("id"), req.FlowID))
}

// SendMessage POST /conversations/:id/messages.
func (h *ConversationsHandler) SendMessage(c *fiber.Ctx) error {
	advisorID, err := advisorFromContext(c)
	if err != nil {
		return err
	}
	var req dto.OutboundMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	msg, err := h.service.RecordOutbound(c.UserContext(), c.Params("id"), service.OutboundMessage{
		MessageID:  req.MessageID,
		AdvisorID:  advisorID,
		Body:       req.Body,
		Attachment: req.Attachment.ToAttachment(),
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.NewMessageResponse(msg)})
}

// UpdateMessageStatus POST /conversations/:id/messages/:messageId/status.
func (h *ConversationsHandler) UpdateMessageStatus(c *fiber.Ctx) error {
	var req dto.MessageStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	err := h.service.UpdateMessage(c.UserContext(), service.MessageStatusUpdate{
		MessageID:      c.Params("messageId"),
		ConversationID: c.Params("id"),
		Status:         req.Status,
	})
	if err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// ListQueued GET /queues/:queueId/conversations.
func (h *ConversationsHandler) ListQueued(c *fiber.Ctx) error {
	convs, err := h.service.ListQueued(c.UserContext(), c.Params("queueId"))
	if err != nil {
		return err
	}
	items := make([]dto.ConversationResponse, 0, len(convs))
	for i := range convs {
		items = append(items, dto.NewConversationResponse(&convs[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

func respond(c *fiber.Ctx) func(*domain.Conversation, error) error {
	return func(conv *domain.Conversation, err error) error {
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"data": dto.NewConversationResponse(conv)})
	}
}

func advisorFromContext(c *fiber.Ctx) (string, error) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok || principal.AdvisorID() == "" {
		return "", apperrors.NewUnauthorized("advisor required")
	}
	return principal.AdvisorID(), nil
}

func naturalKey(req dto.CreateConversationRequest) domain.NaturalKey {
	return domain.NaturalKey{
		CustomerKey:         strings.TrimSpace(req.CustomerKey),
		Channel:             strings.TrimSpace(req.Channel),
		ChannelConnectionID: strings.TrimSpace(req.ChannelConnectionID),
	}
}
