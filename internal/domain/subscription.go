package domain

import "time"

// Subscription represents a daily forecast delivery of one location profile to a Discord channel.
type Subscription struct {
	ChannelID string
	GuildID   string
	Time      time.Time
	ProfileID int64
	Message   string
}
