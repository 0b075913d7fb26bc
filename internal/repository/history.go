package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"npc-dialogue-agent/internal/domain"
)

const (
	gameIndexName   = "GameIdIndex"
	defaultTurnTTL  = 30 * 24 * time.Hour // 30-day retention
	maxQueryLimit   = 100
	attrTimestamp   = "timestamp"
	attrExpiry      = "ttl"
	attrGameID      = "game_id"
	attrComposite   = "composite_key"
	attrCharacterID = "character_id"
)

// ErrConflict reports that a turn already exists at the exact
// (composite_key, timestamp) pair. Callers regenerate the timestamp and retry.
var ErrConflict = errors.New("repository: turn already exists at timestamp")

// dynamodbAPI is the minimal DynamoDB interface required by the stores.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// HistoryStore wraps the chat-history DynamoDB table. Turns are keyed by
// (composite_key, timestamp) with a GSI ordered by (game_id, timestamp).
type HistoryStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewHistoryStore creates a HistoryStore over the given table.
func NewHistoryStore(api dynamodbAPI, tableName string) (*HistoryStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &HistoryStore{api: api, tableName: tableName, now: time.Now}, nil
}

// NewTurn constructs a ConversationTurn with its composite key and expiry set.
func NewTurn(gameID, characterID, playerUtterance, npcReply string, at time.Time) domain.ConversationTurn {
	return domain.ConversationTurn{
		CompositeKey:    domain.CompositeKeyFor(gameID, characterID),
		Timestamp:       domain.FormatTimestamp(at),
		GameID:          gameID,
		CharacterID:     characterID,
		PlayerUtterance: playerUtterance,
		NPCReply:        npcReply,
		ExpiresAt:       at.Add(defaultTurnTTL).Unix(),
	}
}

// Append writes a new turn. A collision on (composite_key, timestamp) fails
// with ErrConflict instead of silently overwriting history.
func (s *HistoryStore) Append(ctx context.Context, turn domain.ConversationTurn) error {
	if turn.CompositeKey == "" || turn.Timestamp == "" {
		return errors.New("repository: Append: composite key and timestamp are required")
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.tableName),
		Item:                     turnItem(turn),
		ConditionExpression:      aws.String("attribute_not_exists(composite_key) AND attribute_not_exists(#ts)"),
		ExpressionAttributeNames: map[string]string{"#ts": attrTimestamp},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrConflict
		}
		return fmt.Errorf("repository: Append: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit of the newest unexpired turns for one
// conversation, in chronological order.
func (s *HistoryStore) RecentTurns(ctx context.Context, gameID, characterID string, limit int) ([]domain.ConversationTurn, error) {
	key := domain.CompositeKeyFor(gameID, characterID)

	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("composite_key = :key"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":key": &types.AttributeValueMemberS{Value: key},
		},
		// Read newest first so Limit favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(clampLimit(limit)),
	}

	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentTurns query: %w", err)
	}

	turns, err := s.decodeTurns(out.Items)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentTurns: %w", err)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// TurnsByGame returns up to limit unexpired turns across every character of
// one game, chronological, starting strictly after sinceTimestamp when set.
func (s *HistoryStore) TurnsByGame(ctx context.Context, gameID, sinceTimestamp string, limit int) ([]domain.ConversationTurn, error) {
	keyCond := "game_id = :gid"
	values := map[string]types.AttributeValue{
		":gid": &types.AttributeValueMemberS{Value: gameID},
	}
	var names map[string]string
	if sinceTimestamp != "" {
		keyCond += " AND #ts > :since"
		names = map[string]string{"#ts": attrTimestamp}
		values[":since"] = &types.AttributeValueMemberS{Value: sinceTimestamp}
	}

	in := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(gameIndexName),
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(true),
		Limit:                     aws.Int32(clampLimit(limit)),
	}

	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: TurnsByGame query: %w", err)
	}
	turns, err := s.decodeTurns(out.Items)
	if err != nil {
		return nil, fmt.Errorf("repository: TurnsByGame: %w", err)
	}
	return turns, nil
}

// decodeTurns unmarshals query items and drops turns whose expiry has passed.
// DynamoDB TTL reclamation is best-effort, so reads filter too.
func (s *HistoryStore) decodeTurns(items []map[string]types.AttributeValue) ([]domain.ConversationTurn, error) {
	now := s.now()
	turns := make([]domain.ConversationTurn, 0, len(items))
	for _, item := range items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, err
		}
		if turn.Expired(now) {
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func clampLimit(limit int) int32 {
	if limit <= 0 || limit > maxQueryLimit {
		return maxQueryLimit
	}
	return int32(limit)
}

func turnItem(turn domain.ConversationTurn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrComposite:      &types.AttributeValueMemberS{Value: turn.CompositeKey},
		attrTimestamp:      &types.AttributeValueMemberS{Value: turn.Timestamp},
		attrGameID:         &types.AttributeValueMemberS{Value: turn.GameID},
		attrCharacterID:    &types.AttributeValueMemberS{Value: turn.CharacterID},
		"player_utterance": &types.AttributeValueMemberS{Value: turn.PlayerUtterance},
		"npc_reply":        &types.AttributeValueMemberS{Value: turn.NPCReply},
		attrExpiry:         &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", turn.ExpiresAt)},
	}
}

func itemToTurn(item map[string]types.AttributeValue) (domain.ConversationTurn, error) {
	key, err := strAttr(item, attrComposite)
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	ts, err := strAttr(item, attrTimestamp)
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	gameID, _ := strAttr(item, attrGameID)
	characterID, _ := strAttr(item, attrCharacterID)
	utterance, _ := strAttr(item, "player_utterance")
	reply, _ := strAttr(item, "npc_reply")
	expiresAt, _ := intAttr(item, attrExpiry) // absent means no expiry

	return domain.ConversationTurn{
		CompositeKey:    key,
		Timestamp:       ts,
		GameID:          gameID,
		CharacterID:     characterID,
		PlayerUtterance: utterance,
		NPCReply:        reply,
		ExpiresAt:       expiresAt,
	}, nil
}
