package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"npc-dialogue-agent/internal/domain"
	"npc-dialogue-agent/internal/usecase"
)

const (
	dialoguePath = "/dialogue"
	historyPath  = "/history"
)

// DialogueUseCase is the service surface the handler depends on.
type DialogueUseCase interface {
	Generate(ctx context.Context, in usecase.DialogueInput) (usecase.DialogueOutput, error)
	History(ctx context.Context, in usecase.HistoryInput) ([]domain.ConversationTurn, error)
}

// Handler routes API Gateway proxy events to the dialogue service.
type Handler struct {
	uc DialogueUseCase
}

func NewHandler(uc DialogueUseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc}, nil
}

type dialogueRequest struct {
	GameID          string `json:"gameId"`
	CharacterID     string `json:"characterId"`
	PlayerUtterance string `json:"playerUtterance"`
}

type dialogueResponse struct {
	NPCReply      string `json:"npcReply"`
	CorrelationID string `json:"correlationId"`
}

type turnPayload struct {
	GameID          string `json:"gameId"`
	CharacterID     string `json:"characterId"`
	Timestamp       string `json:"timestamp"`
	PlayerUtterance string `json:"playerUtterance"`
	NPCReply        string `json:"npcReply"`
	ExpiresAt       int64  `json:"expiresAt"`
}

type historyResponse struct {
	Turns         []turnPayload `json:"turns"`
	CorrelationID string        `json:"correlationId"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Handle dispatches one API Gateway request. The rate-limited principal is
// the API key that API Gateway authenticated for the request.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := uuid.NewString()
	callerID := strings.TrimSpace(req.RequestContext.Identity.APIKey)

	switch {
	case req.HTTPMethod == http.MethodPost && req.Path == dialoguePath:
		return h.handleDialogue(ctx, req, callerID, correlationID), nil
	case req.HTTPMethod == http.MethodGet && req.Path == historyPath:
		return h.handleHistory(ctx, req, callerID, correlationID), nil
	default:
		return respondError(correlationID, http.StatusNotFound, errorResponse{
			Error:  string(usecase.ErrorInvalidInput),
			Reason: "unknown_route",
		}), nil
	}
}

func (h *Handler) handleDialogue(ctx context.Context, req events.APIGatewayProxyRequest, callerID, correlationID string) events.APIGatewayProxyResponse {
	var body dialogueRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return respondError(correlationID, http.StatusBadRequest, errorResponse{
			Error:  string(usecase.ErrorInvalidInput),
			Reason: "malformed_body",
		})
	}

	out, err := h.uc.Generate(ctx, usecase.DialogueInput{
		CallerID:        callerID,
		GameID:          body.GameID,
		CharacterID:     body.CharacterID,
		PlayerUtterance: body.PlayerUtterance,
	})
	if err != nil {
		return respondUseCaseError(correlationID, err)
	}
	return respondJSON(correlationID, http.StatusOK, dialogueResponse{
		NPCReply:      out.NPCReply,
		CorrelationID: correlationID,
	})
}

func (h *Handler) handleHistory(ctx context.Context, req events.APIGatewayProxyRequest, callerID, correlationID string) events.APIGatewayProxyResponse {
	turns, err := h.uc.History(ctx, usecase.HistoryInput{
		CallerID:    callerID,
		GameID:      req.QueryStringParameters["gameId"],
		CharacterID: req.QueryStringParameters["characterId"],
		Since:       req.QueryStringParameters["since"],
		Limit:       atoiOrZero(req.QueryStringParameters["limit"]),
	})
	if err != nil {
		return respondUseCaseError(correlationID, err)
	}

	payload := historyResponse{
		Turns:         make([]turnPayload, 0, len(turns)),
		CorrelationID: correlationID,
	}
	for _, t := range turns {
		payload.Turns = append(payload.Turns, turnPayload{
			GameID:          t.GameID,
			CharacterID:     t.CharacterID,
			Timestamp:       t.Timestamp,
			PlayerUtterance: t.PlayerUtterance,
			NPCReply:        t.NPCReply,
			ExpiresAt:       t.ExpiresAt,
		})
	}
	return respondJSON(correlationID, http.StatusOK, payload)
}

func respondUseCaseError(correlationID string, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		slog.Error("unexpected handler error", "correlationId", correlationID, "err", err)
		return respondError(correlationID, http.StatusInternalServerError, errorResponse{
			Error:  string(usecase.ErrorInternal),
			Reason: "unexpected_error",
		})
	}
	slog.Warn("request rejected", "correlationId", correlationID, "code", ucErr.Code, "reason", ucErr.Reason)
	return respondError(correlationID, statusFor(ucErr.Code), errorResponse{
		Error:  string(ucErr.Code),
		Reason: ucErr.Reason,
	})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited, usecase.ErrorQuotaExceeded:
		return http.StatusTooManyRequests
	case usecase.ErrorProfileMissing:
		return http.StatusNotFound
	case usecase.ErrorModelFailed:
		return http.StatusBadGateway
	case usecase.ErrorPersistFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(correlationID string, status int, payload any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal response", "correlationId", correlationID, "err", err)
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Headers:    responseHeaders(correlationID),
			Body:       `{"error":"INTERNAL_ERROR","reason":"marshal_response"}`,
		}
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    responseHeaders(correlationID),
		Body:       string(body),
	}
}

func respondError(correlationID string, status int, payload errorResponse) events.APIGatewayProxyResponse {
	return respondJSON(correlationID, status, payload)
}

func responseHeaders(correlationID string) map[string]string {
	return map[string]string{
		"Content-Type":     "application/json",
		"X-Correlation-Id": correlationID,
	}
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
