package presentation

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/sglre6355/meteogram/internal/domain"
	"github.com/sglre6355/meteogram/internal/usecase"
)

type channelMessenger interface {
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// DiscordForecastSender pushes forecast images to a Discord channel.
type DiscordForecastSender struct {
	session channelMessenger
}

// NewDiscordForecastSender wires a Discord session to the forecast dispatch interface expected by the use case layer.
func NewDiscordForecastSender(session *discordgo.Session) *DiscordForecastSender {
	if session == nil {
		return &DiscordForecastSender{}
	}
	return &DiscordForecastSender{session: session}
}

// SendForecast posts the supplied image and message to the target Discord channel.
func (s *DiscordForecastSender) SendForecast(
	ctx context.Context,
	channelID string,
	image usecase.ForecastImage,
	message string,
) error {
	if s.session == nil {
		return fmt.Errorf("discord session is not initialised")
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	payload := &discordgo.MessageSend{
		Content: forecastCaption(image, message),
		Files:   []*discordgo.File{forecastFile(image)},
	}

	if _, err := s.session.ChannelMessageSendComplex(channelID, payload, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send forecast message: %w", err)
	}

	return nil
}

func forecastCaption(image usecase.ForecastImage, message string) string {
	var b strings.Builder
	if message != "" {
		b.WriteString(message)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "**%s** (%s run %s UTC)",
		image.Profile.Name,
		strings.ToUpper(image.Profile.ModelKind.String()),
		image.ModelStart.UTC().Format("2006-01-02 15:04"),
	)
	if image.Availability == domain.AvailabilityStale {
		b.WriteString("\nThis forecast is outdated; a newer model run could not be downloaded.")
	}

	return b.String()
}

func forecastFile(image usecase.ForecastImage) *discordgo.File {
	contentType := http.DetectContentType(image.Data)
	extension := "png"
	switch contentType {
	case "image/gif":
		extension = "gif"
	case "image/jpeg":
		extension = "jpg"
	}

	return &discordgo.File{
		Name:        fmt.Sprintf("meteogram_%s.%s", domain.FormatDateToken(image.ModelStart), extension),
		ContentType: contentType,
		Reader:      bytes.NewReader(image.Data),
	}
}
