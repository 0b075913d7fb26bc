package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"npc-dialogue-agent/internal/admission"
	"npc-dialogue-agent/internal/domain"
	"npc-dialogue-agent/internal/repository"
)

const (
	defaultContextTurns = 10
	defaultContextChars = 8000
	defaultUtteranceLen = 500
	defaultModelTimeout = 30 * time.Second
	defaultHistoryLimit = 50
	persistAttempts     = 3
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type ModelClient interface {
	Generate(ctx context.Context, messages []domain.ChatMessage) (string, error)
}

type HistoryReadWriter interface {
	Append(ctx context.Context, turn domain.ConversationTurn) error
	RecentTurns(ctx context.Context, gameID, characterID string, limit int) ([]domain.ConversationTurn, error)
	TurnsByGame(ctx context.Context, gameID, sinceTimestamp string, limit int) ([]domain.ConversationTurn, error)
}

type ProfileGetter interface {
	GetProfile(ctx context.Context, characterID string) (domain.CharacterProfile, error)
}

type Admitter interface {
	Admit(callerID string) admission.Decision
}

// DialogueService sequences one dialogue request: admission check, context
// assembly, model invocation, persistence, response.
type DialogueService struct {
	admitter     Admitter
	profiles     ProfileGetter
	history      HistoryReadWriter
	model        ModelClient
	params       ParamGetter
	paramPrefix  string
	contextTurns int
	contextChars int
	utteranceLen int
	modelTimeout time.Duration
	now          func() time.Time

	cacheMu     sync.RWMutex
	cacheLoaded bool
	preamble    string
}

type DialogueInput struct {
	CallerID        string
	GameID          string
	CharacterID     string
	PlayerUtterance string
}

type DialogueOutput struct {
	NPCReply string
}

type HistoryInput struct {
	CallerID    string
	GameID      string
	CharacterID string
	Since       string
	Limit       int
}

// Options override the illustrative defaults for context and model limits.
type Options struct {
	ContextTurns    int
	ContextChars    int
	MaxUtteranceLen int
	ModelTimeout    time.Duration
}

func NewDialogueService(a Admitter, p ProfileGetter, h HistoryReadWriter, m ModelClient, params ParamGetter, paramPrefix string, opts Options) (*DialogueService, error) {
	if a == nil {
		return nil, errors.New("usecase: admitter must not be nil")
	}
	if p == nil {
		return nil, errors.New("usecase: profile store must not be nil")
	}
	if h == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if m == nil {
		return nil, errors.New("usecase: model client must not be nil")
	}
	if params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if opts.ContextTurns <= 0 {
		opts.ContextTurns = defaultContextTurns
	}
	if opts.ContextChars <= 0 {
		opts.ContextChars = defaultContextChars
	}
	if opts.MaxUtteranceLen <= 0 {
		opts.MaxUtteranceLen = defaultUtteranceLen
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = defaultModelTimeout
	}
	return &DialogueService{
		admitter:     a,
		profiles:     p,
		history:      h,
		model:        m,
		params:       params,
		paramPrefix:  paramPrefix,
		contextTurns: opts.ContextTurns,
		contextChars: opts.ContextChars,
		utteranceLen: opts.MaxUtteranceLen,
		modelTimeout: opts.ModelTimeout,
		now:          time.Now,
	}, nil
}

// Generate runs one dialogue exchange end to end. Rejections and profile
// lookups short-circuit with no side effects; once the model has produced a
// reply, the turn must be durably appended before the reply is returned.
func (s *DialogueService) Generate(ctx context.Context, in DialogueInput) (DialogueOutput, error) {
	callerID := strings.TrimSpace(in.CallerID)
	if callerID == "" {
		return DialogueOutput{}, newError(ErrorInvalidInput, "missing_caller_id", nil)
	}
	gameID := strings.TrimSpace(in.GameID)
	characterID := strings.TrimSpace(in.CharacterID)
	if gameID == "" || characterID == "" {
		return DialogueOutput{}, newError(ErrorInvalidInput, "missing_conversation_key", nil)
	}
	utterance := strings.TrimSpace(in.PlayerUtterance)
	if utterance == "" {
		return DialogueOutput{}, newError(ErrorInvalidInput, "empty_utterance", nil)
	}
	if len(utterance) > s.utteranceLen {
		return DialogueOutput{}, newError(ErrorInvalidInput, "utterance_too_long", nil)
	}

	switch s.admitter.Admit(callerID) {
	case admission.RateLimited:
		return DialogueOutput{}, newError(ErrorRateLimited, "rate_limited", nil)
	case admission.QuotaExceeded:
		return DialogueOutput{}, newError(ErrorQuotaExceeded, "quota_exceeded", nil)
	}

	profile, err := s.profiles.GetProfile(ctx, characterID)
	if err != nil {
		if errors.Is(err, repository.ErrProfileNotFound) {
			return DialogueOutput{}, newError(ErrorProfileMissing, "unknown_character", err)
		}
		return DialogueOutput{}, newError(ErrorInternal, "profile_load_error", err)
	}

	turns, err := s.history.RecentTurns(ctx, gameID, characterID, s.contextTurns)
	if err != nil {
		return DialogueOutput{}, newError(ErrorInternal, "history_load_error", err)
	}

	if err := s.ensurePreamble(ctx); err != nil {
		return DialogueOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}
	messages := assembleContext(s.preamble, profile, turns, utterance, s.contextChars)

	modelCtx, cancel := context.WithTimeout(ctx, s.modelTimeout)
	defer cancel()
	reply, err := s.model.Generate(modelCtx, messages)
	if err != nil {
		return DialogueOutput{}, newError(ErrorModelFailed, "model_invocation_error", err)
	}

	if err := s.persistTurn(ctx, gameID, characterID, utterance, reply, turns); err != nil {
		return DialogueOutput{}, err
	}
	return DialogueOutput{NPCReply: reply}, nil
}

// persistTurn appends the completed exchange with a timestamp strictly
// greater than the newest turn observed during assembly, retrying past
// sort-key collisions with an incremented timestamp. The model has already
// answered at this point, so the append runs on a context detached from the
// caller's cancellation: a dropped connection must not lose the turn.
func (s *DialogueService) persistTurn(ctx context.Context, gameID, characterID, utterance, reply string, recent []domain.ConversationTurn) error {
	turn := repository.NewTurn(gameID, characterID, utterance, reply, s.now().UTC())
	if len(recent) > 0 {
		if last := recent[len(recent)-1].Timestamp; turn.Timestamp <= last {
			next, err := domain.NextTimestamp(last)
			if err != nil {
				return newError(ErrorPersistFailed, "timestamp_derive_error", err)
			}
			turn.Timestamp = next
		}
	}

	persistCtx := context.WithoutCancel(ctx)
	var lastErr error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		err := s.history.Append(persistCtx, turn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return newError(ErrorPersistFailed, "history_append_error", err)
		}
		lastErr = err
		next, nerr := domain.NextTimestamp(turn.Timestamp)
		if nerr != nil {
			return newError(ErrorPersistFailed, "timestamp_derive_error", nerr)
		}
		turn.Timestamp = next
	}
	return newError(ErrorPersistFailed, "timestamp_conflict_retries_exhausted", lastErr)
}

// History serves the read-only conversation query, subject to the same
// admission control as dialogue generation.
func (s *DialogueService) History(ctx context.Context, in HistoryInput) ([]domain.ConversationTurn, error) {
	callerID := strings.TrimSpace(in.CallerID)
	if callerID == "" {
		return nil, newError(ErrorInvalidInput, "missing_caller_id", nil)
	}
	gameID := strings.TrimSpace(in.GameID)
	if gameID == "" {
		return nil, newError(ErrorInvalidInput, "missing_game_id", nil)
	}

	switch s.admitter.Admit(callerID) {
	case admission.RateLimited:
		return nil, newError(ErrorRateLimited, "rate_limited", nil)
	case admission.QuotaExceeded:
		return nil, newError(ErrorQuotaExceeded, "quota_exceeded", nil)
	}

	limit := in.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	var (
		turns []domain.ConversationTurn
		err   error
	)
	if characterID := strings.TrimSpace(in.CharacterID); characterID != "" {
		turns, err = s.history.RecentTurns(ctx, gameID, characterID, limit)
	} else {
		turns, err = s.history.TurnsByGame(ctx, gameID, strings.TrimSpace(in.Since), limit)
	}
	if err != nil {
		return nil, newError(ErrorInternal, "history_load_error", err)
	}
	return turns, nil
}

// ensurePreamble loads the shared system-prompt preamble from SSM once and
// reuses it for the lifetime of the process.
func (s *DialogueService) ensurePreamble(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	preamble, err := s.params.GetParameter(ctx, s.paramPrefix+"/prompts/system_preamble")
	if err != nil {
		return fmt.Errorf("usecase: load system preamble: %w", err)
	}
	s.preamble = preamble
	s.cacheLoaded = true
	return nil
}
