package http_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-engine/internal/api/dto"
	httptransport "github.com/spec-kit/conversation-engine/internal/api/http"
	"github.com/spec-kit/conversation-engine/internal/api/http/handlers"
	"github.com/spec-kit/conversation-engine/internal/auth"
	"github.com/spec-kit/conversation-engine/internal/domain"
	"github.com/spec-kit/conversation-engine/internal/events"
	"github.com/spec-kit/conversation-engine/internal/observability"
	"github.com/spec-kit/conversation-engine/internal/persistence"
	"github.com/spec-kit/conversation-engine/internal/repository"
	"github.com/spec-kit/conversation-engine/internal/service"
)

type apiEnv struct {
	app    *fiber.App
	tokens *auth.TokenManager
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	distribution := service.NewDistributionService(service.DistributionDependencies{
		ConversationRepo: repository.NewMemoryConversationRepository(),
		NoteRepo:         repository.NewMemoryConversationNoteRepository(),
		Dispatcher:       events.NewInMemoryDispatcher(logger),
		Logger:           logger,
		DefaultQueueID:   "default",
	})
	tokens := auth.NewTokenManager("test-secret", 5)

	app := fiber.New()
	httptransport.RegisterMiddlewares(app, logger, metrics, 0)
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler("conversation-engine", "test", &persistence.Postgres{}, nil),
		Conversations:  handlers.NewConversationsHandler(distribution),
		Metrics:        handlers.NewMetricsHandler(metrics, nil),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
	})
	return &apiEnv{app: app, tokens: tokens}
}

func (e *apiEnv) token(t *testing.T, id string, subject domain.SubjectType) string {
	t.Helper()
	token, _, err := e.tokens.GenerateToken(id, subject, id)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := e.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out envelope
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func decodeConversation(t *testing.T, raw json.RawMessage) dto.ConversationResponse {
	t.Helper()
	var conv dto.ConversationResponse
	if err := json.Unmarshal(raw, &conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	return conv
}

func (e *apiEnv) createConversation(t *testing.T) dto.ConversationResponse {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/conversations", e.token(t, "connector", domain.SubjectTypeSystem), dto.CreateConversationRequest{
		CustomerKey:         "+5215550000",
		Channel:             "whatsapp",
		ChannelConnectionID: "line-1",
	})
	if status != http.StatusOK {
		t.Fatalf("create returned %d: %+v", status, body.Error)
	}
	return decodeConversation(t, body.Data)
}

func TestHealthReadyWithoutPostgres(t *testing.T) {
	api := newAPI(t)
	status, _ := api.do(t, http.MethodGet, "/health/live", "", nil)
	if status != http.StatusOK {
		t.Fatalf("live returned %d", status)
	}

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	resp, err := api.app.Test(req, -1)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body.Status != "ready" {
		t.Fatalf("redis outage must not block readiness: %d %+v", resp.StatusCode, body)
	}
	if body.Dependencies["postgres"] != "disabled (in-memory store)" {
		t.Fatalf("unexpected postgres status %q", body.Dependencies["postgres"])
	}
}

func TestConversationRoutesRequireToken(t *testing.T) {
	api := newAPI(t)
	status, body := api.do(t, http.MethodGet, "/conversations/abc", "", nil)
	if status != http.StatusUnauthorized || body.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("expected 401 UNAUTHORIZED, got %d %+v", status, body.Error)
	}

	status, body = api.do(t, http.MethodGet, "/conversations/abc", "not-a-jwt", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", status)
	}
}

func TestConsoleRoutesRejectSystemCallers(t *testing.T) {
	api := newAPI(t)
	conv := api.createConversation(t)

	status, body := api.do(t, http.MethodPost, "/conversations/"+conv.ID+"/accept", api.token(t, "connector", domain.SubjectTypeSystem), nil)
	if status != http.StatusForbidden || body.Error.Code != "FORBIDDEN" {
		t.Fatalf("expected 403 FORBIDDEN, got %d %+v", status, body.Error)
	}
}

func TestCreateValidatesNaturalKey(t *testing.T) {
	api := newAPI(t)
	status, body := api.do(t, http.MethodPost, "/conversations", api.token(t, "connector", domain.SubjectTypeSystem), dto.CreateConversationRequest{
		Channel: "whatsapp",
	})
	if status != http.StatusBadRequest || body.Error.Code != "VALIDATION_FAILED" {
		t.Fatalf("expected 400 VALIDATION_FAILED, got %d %+v", status, body.Error)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	api := newAPI(t)
	first := api.createConversation(t)
	second := api.createConversation(t)
	if first.ID != second.ID {
		t.Fatalf("same natural key produced %s and %s", first.ID, second.ID)
	}
	if first.Status != domain.ConversationStatusActive || first.QueueID == nil || *first.QueueID != "default" {
		t.Fatalf("unexpected new conversation %+v", first)
	}
}

func TestLosingAcceptGetsConflict(t *testing.T) {
	api := newAPI(t)
	conv := api.createConversation(t)

	status, body := api.do(t, http.MethodPost, "/conversations/"+conv.ID+"/accept", api.token(t, "adv-a", domain.SubjectTypeAdvisor), nil)
	if status != http.StatusOK {
		t.Fatalf("first accept returned %d %+v", status, body.Error)
	}
	accepted := decodeConversation(t, body.Data)
	if accepted.Status != domain.ConversationStatusAttending || accepted.AssignedAdvisorID == nil || *accepted.AssignedAdvisorID != "adv-a" {
		t.Fatalf("unexpected accepted conversation %+v", accepted)
	}

	status, body = api.do(t, http.MethodPost, "/conversations/"+conv.ID+"/accept", api.token(t, "adv-b", domain.SubjectTypeAdvisor), nil)
	if status != http.StatusConflict {
		t.Fatalf("second accept returned %d", status)
	}
	if body.Error.Code != "NOT_QUEUED" || body.Error.Message != "conversation no longer available" {
		t.Fatalf("unexpected error %+v", body.Error)
	}
}

func TestReleaseUnassignedConflicts(t *testing.T) {
	api := newAPI(t)
	conv := api.createConversation(t)
	status, body := api.do(t, http.MethodPost, "/conversations/"+conv.ID+"/release", api.token(t, "adv-a", domain.SubjectTypeAdvisor), nil)
	if status != http.StatusConflict || body.Error.Code != "NOT_ASSIGNED" {
		t.Fatalf("expected 409 NOT_ASSIGNED, got %d %+v", status, body.Error)
	}
}

func TestCloseThenArchiveIsInvalidTransition(t *testing.T) {
	api := newAPI(t)
	conv := api.createConversation(t)
	advisor := api.token(t, "adv-a", domain.SubjectTypeAdvisor)

	if status, body := api.do(t, http.MethodPost, "/conversations/"+conv.ID+"/close", advisor, nil); status != http.StatusOK {
		t.Fatalf("close returned %d %+v", status, body.Error)
	}
	status, body := api.do(t, http.MethodPost, "/conversations/"+conv.ID+"/archive", advisor, nil)
	if status != http.StatusConflict || body.Error.Code != "INVALID_TRANSITION" {
		t.Fatalf("expected 409 INVALID_TRANSITION, got %d %+v", status, body.Error)
	}
}

func TestInboundThenReplyAndRead(t *testing.T) {
	api := newAPI(t)
	system := api.token(t, "connector", domain.SubjectTypeSystem)
	advisor := api.token(t, "adv-a", domain.SubjectTypeAdvisor)

	status, body := api.do(t, http.MethodPost, "/conversations/inbound", system, dto.InboundMessageRequest{
		CreateConversationRequest: dto.CreateConversationRequest{
			CustomerKey:         "cust-9",
			Channel:             "webchat",
			ChannelConnectionID: "site",
		},
		MessageID: "wamid-1",
		Body:      "hello?",
	})
	if status != http.StatusAccepted {
		t.Fatalf("inbound returned %d %+v", status, body.Error)
	}
	var inbound struct {
		Conversation dto.ConversationResponse `json:"conversation"`
		Message      dto.MessageResponse      `json:"message"`
	}
	if err := json.Unmarshal(body.Data, &inbound); err != nil {
		t.Fatalf("decode inbound: %v", err)
	}
	if inbound.Conversation.UnreadCount != 1 || inbound.Message.ID != "wamid-1" {
		t.Fatalf("unexpected inbound result %+v", inbound)
	}
	id := inbound.Conversation.ID

	status, body = api.do(t, http.MethodPost, "/conversations/"+id+"/messages", advisor, dto.OutboundMessageRequest{Body: "hi"})
	if status != http.StatusConflict || body.Error.Code != "NOT_ASSIGNED" {
		t.Fatalf("reply before accept must fail, got %d %+v", status, body.Error)
	}

	if status, body = api.do(t, http.MethodPost, "/conversations/"+id+"/accept", advisor, nil); status != http.StatusOK {
		t.Fatalf("accept returned %d %+v", status, body.Error)
	}
	if status, body = api.do(t, http.MethodPost, "/conversations/"+id+"/messages", advisor, dto.OutboundMessageRequest{Body: "hi"}); status != http.StatusCreated {
		t.Fatalf("reply returned %d %+v", status, body.Error)
	}

	status, body = api.do(t, http.MethodPost, "/conversations/"+id+"/read", advisor, nil)
	if status != http.StatusOK {
		t.Fatalf("read returned %d %+v", status, body.Error)
	}
	read := decodeConversation(t, body.Data)
	if read.UnreadCount != 0 || read.LastReadAt == nil {
		t.Fatalf("read should reset unread count: %+v", read)
	}
}

func TestTransferRequiresTarget(t *testing.T) {
	api := newAPI(t)
	conv := api.createConversation(t)
	status, body := api.do(t, http.MethodPost, "/conversations/"+conv.ID+"/transfer", api.token(t, "adv-a", domain.SubjectTypeAdvisor), dto.TransferRequest{})
	if status != http.StatusBadRequest || body.Error.Code != "VALIDATION_FAILED" {
		t.Fatalf("expected 400 VALIDATION_FAILED, got %d %+v", status, body.Error)
	}

	queue := "billing"
	status, body = api.do(t, http.MethodPost, "/conversations/"+conv.ID+"/transfer", api.token(t, "adv-a", domain.SubjectTypeAdvisor), dto.TransferRequest{QueueID: &queue})
	if status != http.StatusOK {
		t.Fatalf("transfer returned %d %+v", status, body.Error)
	}
	if moved := decodeConversation(t, body.Data); moved.QueueID == nil || *moved.QueueID != "billing" {
		t.Fatalf("unexpected queue after transfer %+v", moved.QueueID)
	}
}

func TestListQueuedAndUnknownConversation(t *testing.T) {
	api := newAPI(t)
	conv := api.createConversation(t)
	advisor := api.token(t, "adv-a", domain.SubjectTypeAdvisor)

	status, body := api.do(t, http.MethodGet, "/queues/default/conversations", advisor, nil)
	if status != http.StatusOK {
		t.Fatalf("list returned %d", status)
	}
	var queued []dto.ConversationResponse
	if err := json.Unmarshal(body.Data, &queued); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(queued) != 1 || queued[0].ID != conv.ID {
		t.Fatalf("unexpected queue listing %+v", queued)
	}

	status, body = api.do(t, http.MethodGet, "/conversations/missing", advisor, nil)
	if status != http.StatusNotFound || body.Error.Code != "NOT_FOUND" {
		t.Fatalf("expected 404, got %d %+v", status, body.Error)
	}
}
