package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"npc-dialogue-agent/internal/domain"
	"npc-dialogue-agent/internal/usecase"
)

type stubUseCase struct {
	out        usecase.DialogueOutput
	err        error
	turns      []domain.ConversationTurn
	historyErr error

	dialogueIn usecase.DialogueInput
	historyIn  usecase.HistoryInput
}

func (s *stubUseCase) Generate(_ context.Context, in usecase.DialogueInput) (usecase.DialogueOutput, error) {
	s.dialogueIn = in
	return s.out, s.err
}

func (s *stubUseCase) History(_ context.Context, in usecase.HistoryInput) ([]domain.ConversationTurn, error) {
	s.historyIn = in
	return s.turns, s.historyErr
}

func makeDialogueEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       dialoguePath,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
		RequestContext: events.APIGatewayProxyRequestContext{
			Identity: events.APIGatewayRequestIdentity{APIKey: "c1"},
		},
	}
}

func makeHistoryEvent(params map[string]string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod:            http.MethodGet,
		Path:                  historyPath,
		QueryStringParameters: params,
		RequestContext: events.APIGatewayProxyRequestContext{
			Identity: events.APIGatewayRequestIdentity{APIKey: "c1"},
		},
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_Dialogue_HappyPath(t *testing.T) {
	uc := &stubUseCase{out: usecase.DialogueOutput{NPCReply: "Down the street, past the well."}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeDialogueEvent(`{"gameId":"g1","characterId":"npc42","playerUtterance":"Where is the blacksmith?"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.DialogueInput{
		CallerID:        "c1",
		GameID:          "g1",
		CharacterID:     "npc42",
		PlayerUtterance: "Where is the blacksmith?",
	}, uc.dialogueIn)

	out := parseBody[dialogueResponse](t, resp.Body)
	require.Equal(t, "Down the street, past the well.", out.NPCReply)
	require.NotEmpty(t, out.CorrelationID)
	require.Equal(t, out.CorrelationID, resp.Headers["X-Correlation-Id"])
}

func TestHandle_Dialogue_MalformedBody(t *testing.T) {
	h, err := NewHandler(&stubUseCase{})
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeDialogueEvent(`not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	require.Equal(t, "malformed_body", out.Reason)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_utterance"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "quota exceeded", err: &usecase.Error{Code: usecase.ErrorQuotaExceeded, Reason: "quota_exceeded"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorQuotaExceeded)},
		{name: "profile missing", err: &usecase.Error{Code: usecase.ErrorProfileMissing, Reason: "unknown_character"}, status: http.StatusNotFound, code: string(usecase.ErrorProfileMissing)},
		{name: "model failed", err: &usecase.Error{Code: usecase.ErrorModelFailed, Reason: "model_invocation_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorModelFailed)},
		{name: "persist failed", err: &usecase.Error{Code: usecase.ErrorPersistFailed, Reason: "timestamp_conflict_retries_exhausted"}, status: http.StatusServiceUnavailable, code: string(usecase.ErrorPersistFailed)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "history_load_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{err: tc.err}
			h, err := NewHandler(uc)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeDialogueEvent(`{"gameId":"g1","characterId":"npc42","playerUtterance":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_History_HappyPath(t *testing.T) {
	uc := &stubUseCase{turns: []domain.ConversationTurn{{
		GameID:          "g1",
		CharacterID:     "npc42",
		Timestamp:       "00000000000000000042",
		PlayerUtterance: "Where is the blacksmith?",
		NPCReply:        "Down the street, past the well.",
		ExpiresAt:       4102444800,
	}}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeHistoryEvent(map[string]string{
		"gameId":      "g1",
		"characterId": "npc42",
		"limit":       "25",
	}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.HistoryInput{
		CallerID:    "c1",
		GameID:      "g1",
		CharacterID: "npc42",
		Limit:       25,
	}, uc.historyIn)

	out := parseBody[historyResponse](t, resp.Body)
	require.Len(t, out.Turns, 1)
	require.Equal(t, "npc42", out.Turns[0].CharacterID)
	require.Equal(t, "Down the street, past the well.", out.Turns[0].NPCReply)
}

func TestHandle_History_GameTimeline(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeHistoryEvent(map[string]string{
		"gameId": "g1",
		"since":  "00000000000000000001",
	}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "00000000000000000001", uc.historyIn.Since)
	require.Empty(t, uc.historyIn.CharacterID)
}

func TestHandle_History_BadLimitIgnored(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), makeHistoryEvent(map[string]string{
		"gameId": "g1",
		"limit":  "lots",
	}))
	require.NoError(t, err)
	require.Zero(t, uc.historyIn.Limit)
}

func TestHandle_UnknownRoute(t *testing.T) {
	h, err := NewHandler(&stubUseCase{})
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodDelete,
		Path:       "/dialogue",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, "unknown_route", out.Reason)
}
