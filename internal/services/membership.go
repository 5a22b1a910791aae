package services

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chat-gateway/internal/config"
	"chat-gateway/internal/utils"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"go.uber.org/zap"
)

// membershipEntry is one row of the room-membership table.
type membershipEntry struct {
	RoomID   string `dynamodbav:"room_id"`
	UserID   string `dynamodbav:"user_id"`
	Role     string `dynamodbav:"role"`
	JoinedAt int64  `dynamodbav:"joined_at"`
}

type cachedVerdict struct {
	member  bool
	expires time.Time
}

// MembershipService answers "is this user a member of this room" against
// the DynamoDB membership table, with a short in-memory cache so the hot
// path of a chatty room doesn't hammer the table.
type MembershipService struct {
	client *dynamodb.DynamoDB
	table  string

	cacheMu  sync.RWMutex
	cache    map[string]cachedVerdict
	cacheTTL time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// NewMembershipService connects to DynamoDB. A non-empty endpoint points
// at a local instance for development.
func NewMembershipService(cfg *config.AWSConfig) (*MembershipService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("aws config cannot be nil")
	}
	if cfg.MembershipTable == "" {
		return nil, fmt.Errorf("membership table name cannot be empty")
	}

	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	utils.Info("Membership service initialized",
		zap.String("table", cfg.MembershipTable),
		zap.String("region", cfg.Region))

	return &MembershipService{
		client:   dynamodb.New(sess),
		table:    cfg.MembershipTable,
		cache:    make(map[string]cachedVerdict),
		cacheTTL: 30 * time.Second,
	}, nil
}

// IsRoomMember reports whether the user belongs to the room. Lookups are
// cached for a short window; both positive and negative verdicts are
// cached so a non-member cannot force a table read per frame.
func (ms *MembershipService) IsRoomMember(userID, roomID string) (bool, error) {
	if userID == "" || roomID == "" {
		return false, fmt.Errorf("user ID and room ID cannot be empty")
	}

	cacheKey := roomID + "/" + userID
	ms.cacheMu.RLock()
	verdict, ok := ms.cache[cacheKey]
	ms.cacheMu.RUnlock()
	if ok && time.Now().Before(verdict.expires) {
		ms.hits.Add(1)
		return verdict.member, nil
	}
	ms.misses.Add(1)

	result, err := ms.client.GetItem(&dynamodb.GetItemInput{
		TableName: aws.String(ms.table),
		Key: map[string]*dynamodb.AttributeValue{
			"room_id": {S: aws.String(roomID)},
			"user_id": {S: aws.String(userID)},
		},
	})
	if err != nil {
		utils.Error("Membership lookup failed",
			zap.String("room_id", roomID),
			zap.String("user_id", userID),
			zap.Error(err))
		return false, fmt.Errorf("failed to query membership: %w", err)
	}

	member := result.Item != nil
	ms.cacheMu.Lock()
	ms.cache[cacheKey] = cachedVerdict{member: member, expires: time.Now().Add(ms.cacheTTL)}
	ms.cacheMu.Unlock()

	return member, nil
}

// RoomMembers lists every member of a room from the table. Used by the
// admin API, not the message hot path.
func (ms *MembershipService) RoomMembers(roomID string) ([]string, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room ID cannot be empty")
	}

	result, err := ms.client.Query(&dynamodb.QueryInput{
		TableName:              aws.String(ms.table),
		KeyConditionExpression: aws.String("room_id = :room"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":room": {S: aws.String(roomID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query room members: %w", err)
	}

	var entries []membershipEntry
	if err := dynamodbattribute.UnmarshalListOfMaps(result.Items, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal membership entries: %w", err)
	}

	members := make([]string, 0, len(entries))
	for _, entry := range entries {
		members = append(members, entry.UserID)
	}
	return members, nil
}

// InvalidateRoom drops cached verdicts for a room after membership
// changes.
func (ms *MembershipService) InvalidateRoom(roomID string) {
	prefix := roomID + "/"
	ms.cacheMu.Lock()
	defer ms.cacheMu.Unlock()
	for key := range ms.cache {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(ms.cache, key)
		}
	}
}

// CacheStats reports cache hit/miss counters for the metrics endpoint.
func (ms *MembershipService) CacheStats() (hits, misses int64) {
	return ms.hits.Load(), ms.misses.Load()
}
