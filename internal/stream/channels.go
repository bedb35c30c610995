// Package stream implements the live broadcast core: stream key issuance and
// validation, the session state machine, and exactly-once statistics.
package stream

import (
	"context"
	"strings"

	"mediacore/internal/models"
	"mediacore/internal/storage"
)

// Store is the durable surface the stream components share.
type Store interface {
	storage.ChannelDirectory
	storage.StreamKeyRepository
	storage.LiveSessionRepository
	storage.StatsRepository
}

// RequireOwner loads the channel and confirms callerID owns it. A channel the
// caller does not own is reported as absent.
func RequireOwner(ctx context.Context, channels storage.ChannelDirectory, channelID, callerID string) (models.Channel, error) {
	if strings.TrimSpace(callerID) == "" {
		return models.Channel{}, models.Unauthorized("caller identity is required")
	}
	channel, err := channels.GetChannel(ctx, channelID)
	if err != nil {
		return models.Channel{}, err
	}
	if channel.OwnerID != callerID {
		return models.Channel{}, models.NotFound("channel %s not found", channelID)
	}
	return channel, nil
}

// RegisterChannel records or reassigns the owner of a channel.
func RegisterChannel(ctx context.Context, channels storage.ChannelDirectory, channelID, ownerID string) (models.Channel, error) {
	channelID = strings.TrimSpace(channelID)
	ownerID = strings.TrimSpace(ownerID)
	if channelID == "" {
		return models.Channel{}, models.Validation("channel id is required")
	}
	if ownerID == "" {
		return models.Channel{}, models.Validation("owner id is required")
	}
	return channels.UpsertChannel(ctx, channelID, ownerID)
}
