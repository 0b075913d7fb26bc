package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	lru "github.com/hashicorp/golang-lru/v2"

	"npc-dialogue-agent/internal/domain"
)

const profileCacheSize = 256

// ErrProfileNotFound reports that no profile exists for a character ID.
var ErrProfileNotFound = errors.New("repository: character profile not found")

// CharacterStore wraps the NPC-data DynamoDB table. Profiles are read on
// every dialogue request and written rarely, so gets are served from an
// in-process LRU cache when possible.
type CharacterStore struct {
	api       dynamodbAPI
	tableName string
	cache     *lru.Cache[string, domain.CharacterProfile]
}

// NewCharacterStore creates a CharacterStore over the given table.
func NewCharacterStore(api dynamodbAPI, tableName string) (*CharacterStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	cache, err := lru.New[string, domain.CharacterProfile](profileCacheSize)
	if err != nil {
		return nil, fmt.Errorf("repository: profile cache: %w", err)
	}
	return &CharacterStore{api: api, tableName: tableName, cache: cache}, nil
}

// GetProfile returns the current profile for a character, or
// ErrProfileNotFound when none exists.
func (s *CharacterStore) GetProfile(ctx context.Context, characterID string) (domain.CharacterProfile, error) {
	if strings.TrimSpace(characterID) == "" {
		return domain.CharacterProfile{}, errors.New("repository: GetProfile: character ID is required")
	}
	if profile, ok := s.cache.Get(characterID); ok {
		return profile, nil
	}

	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			attrCharacterID: &types.AttributeValueMemberS{Value: characterID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.CharacterProfile{}, fmt.Errorf("repository: GetProfile: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.CharacterProfile{}, ErrProfileNotFound
	}

	profile, err := itemToProfile(out.Item)
	if err != nil {
		return domain.CharacterProfile{}, fmt.Errorf("repository: GetProfile decode: %w", err)
	}
	s.cache.Add(characterID, profile)
	return profile, nil
}

// PutProfile fully replaces the profile fields for a character and advances
// the revision marker in the same write. The cache entry is dropped so the
// next read observes the new revision.
func (s *CharacterStore) PutProfile(ctx context.Context, profile domain.CharacterProfile) error {
	if strings.TrimSpace(profile.CharacterID) == "" {
		return errors.New("repository: PutProfile: character ID is required")
	}

	attrs := make(map[string]types.AttributeValue, len(profile.Attributes))
	for k, v := range profile.Attributes {
		attrs[k] = &types.AttributeValueMemberS{Value: v}
	}

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			attrCharacterID: &types.AttributeValueMemberS{Value: profile.CharacterID},
		},
		UpdateExpression: aws.String("SET #name = :name, persona = :persona, background = :background, #attrs = :attrs ADD revision :one"),
		ExpressionAttributeNames: map[string]string{
			"#name":  "name",
			"#attrs": "attributes",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":name":       &types.AttributeValueMemberS{Value: profile.Name},
			":persona":    &types.AttributeValueMemberS{Value: profile.Persona},
			":background": &types.AttributeValueMemberS{Value: profile.Background},
			":attrs":      &types.AttributeValueMemberM{Value: attrs},
			":one":        &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutProfile: %w", err)
	}
	s.cache.Remove(profile.CharacterID)
	return nil
}

func itemToProfile(item map[string]types.AttributeValue) (domain.CharacterProfile, error) {
	characterID, err := strAttr(item, attrCharacterID)
	if err != nil {
		return domain.CharacterProfile{}, err
	}
	name, _ := strAttr(item, "name")
	persona, err := strAttr(item, "persona")
	if err != nil {
		return domain.CharacterProfile{}, err
	}
	background, _ := strAttr(item, "background")
	revision, _ := intAttr(item, "revision")

	var attrs map[string]string
	if raw, ok := item["attributes"]; ok {
		m, ok := raw.(*types.AttributeValueMemberM)
		if !ok {
			return domain.CharacterProfile{}, errors.New("repository: attribute \"attributes\" is not a map")
		}
		attrs = make(map[string]string, len(m.Value))
		for k, v := range m.Value {
			s, ok := v.(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			attrs[k] = s.Value
		}
	}

	return domain.CharacterProfile{
		CharacterID: characterID,
		Name:        name,
		Persona:     persona,
		Background:  background,
		Attributes:  attrs,
		Revision:    revision,
	}, nil
}
