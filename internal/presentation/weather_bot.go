package presentation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sglre6355/meteogram/internal/domain"
	"github.com/sglre6355/meteogram/internal/usecase"
)

const (
	refreshTimeout   = 3 * time.Minute
	progressBarWidth = 20
)

// WeatherBot wires Discord events to application use cases.
type WeatherBot struct {
	session       *discordgo.Session
	subscriptions *usecase.SubscriptionManager
	forecasts     *usecase.ForecastService
	images        *usecase.ForecastUsecase
	logger        *slog.Logger
}

// NewWeatherBot constructs a bot instance with all supporting services wired up.
func NewWeatherBot(
	session *discordgo.Session,
	subscriptions *usecase.SubscriptionManager,
	forecasts *usecase.ForecastService,
	images *usecase.ForecastUsecase,
	logger *slog.Logger,
) (*WeatherBot, error) {
	if session == nil {
		return nil, fmt.Errorf("discord session cannot be nil")
	}
	if subscriptions == nil {
		return nil, fmt.Errorf("subscription manager cannot be nil")
	}
	if forecasts == nil {
		return nil, fmt.Errorf("forecast service cannot be nil")
	}
	if images == nil {
		return nil, fmt.Errorf("forecast use case cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	bot := &WeatherBot{
		session:       session,
		subscriptions: subscriptions,
		forecasts:     forecasts,
		images:        images,
		logger:        logger,
	}

	session.AddHandler(bot.onReady)
	session.AddHandler(bot.onInteractionCreate)

	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages

	return bot, nil
}

// Start establishes the connection to Discord.
func (b *WeatherBot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}

	b.logger.Info("weather bot is running")
	return nil
}

// Stop releases all resources and stops scheduled deliveries.
func (b *WeatherBot) Stop() {
	if b.subscriptions != nil {
		b.subscriptions.Shutdown()
	}

	if b.session != nil {
		if err := b.session.Close(); err != nil {
			b.logger.Error("failed to close Discord session", slog.Any("error", err))
		}
	}
}

func (b *WeatherBot) onReady(s *discordgo.Session, _ *discordgo.Ready) {
	b.logger.Info("logged in to Discord", slog.String("user", s.State.User.Username))
}

func (b *WeatherBot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	switch i.ApplicationCommandData().Name {
	case "forecast":
		b.handleForecast(s, i)
	case "refresh":
		b.handleRefresh(s, i)
	case "cancel":
		b.handleCancel(s, i)
	case "profiles":
		b.handleProfiles(s, i)
	case "subscribe":
		b.handleSubscribe(s, i)
	case "unsubscribe":
		b.handleUnsubscribe(s, i)
	}
}

// RegisterCommands recreates the slash commands used by the bot.
func (b *WeatherBot) RegisterCommands() error {
	existingCommands, err := b.session.ApplicationCommands(b.session.State.User.ID, "")
	if err != nil {
		b.logger.Warn("failed to list existing commands", slog.Any("error", err))
	} else {
		for _, cmd := range existingCommands {
			if err := b.session.ApplicationCommandDelete(b.session.State.User.ID, "", cmd.ID); err != nil {
				b.logger.Warn("failed to delete command", slog.String("command", cmd.Name), slog.Any("error", err))
			}
		}
	}

	for _, cmd := range commands() {
		if _, err := b.session.ApplicationCommandCreate(b.session.State.User.ID, "", cmd); err != nil {
			return fmt.Errorf("failed to create command %s: %w", cmd.Name, err)
		}
	}

	return nil
}

func commands() []*discordgo.ApplicationCommand {
	profileOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "profile",
		Description: "Name of the location profile",
		Required:    true,
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:        "forecast",
			Description: "Show the meteogram of a location, downloading a new one if needed",
			Options:     []*discordgo.ApplicationCommandOption{profileOption},
		},
		{
			Name:        "refresh",
			Description: "Download the latest meteogram of a location and report progress",
			Options:     []*discordgo.ApplicationCommandOption{profileOption},
		},
		{
			Name:        "cancel",
			Description: "Cancel a running meteogram download",
			Options:     []*discordgo.ApplicationCommandOption{profileOption},
		},
		{
			Name:        "profiles",
			Description: "List location profiles and the state of their forecasts",
		},
		{
			Name:        "subscribe",
			Description: "Subscribe this channel to a daily meteogram",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "time",
					Description: "Time to send the meteogram in UTC (format: HH:MM, e.g., 08:00)",
					Required:    true,
				},
				profileOption,
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "message",
					Description: "Custom message to send with the meteogram",
					Required:    false,
				},
			},
		},
		{
			Name:        "unsubscribe",
			Description: "Unsubscribe this channel from daily meteograms",
		},
	}
}

func (b *WeatherBot) handleForecast(s *discordgo.Session, i *discordgo.InteractionCreate) {
	options := commandOptions(i)

	if !b.deferResponse(s, i) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	profile, err := b.lookupProfile(ctx, options)
	if err != nil {
		b.followup(s, i, err.Error())
		return
	}

	image, err := b.images.LatestImage(ctx, profile.ID)
	if err != nil {
		b.logger.Warn("failed to obtain forecast", slog.String("profile", profile.Name), slog.Any("error", err))
		b.followup(s, i, fmt.Sprintf("Failed to obtain the forecast of %s", profile.Name))
		return
	}

	b.followupImage(s, i, image)
}

func (b *WeatherBot) handleRefresh(s *discordgo.Session, i *discordgo.InteractionCreate) {
	options := commandOptions(i)

	if !b.deferResponse(s, i) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	profile, err := b.lookupProfile(ctx, options)
	if err != nil {
		b.followup(s, i, err.Error())
		return
	}

	task, err := b.forecasts.StartDownload(ctx, profile.ID)
	if err != nil {
		b.logger.Warn("failed to start download", slog.String("profile", profile.Name), slog.Any("error", err))
		b.followup(s, i, fmt.Sprintf("Failed to start the download of %s", profile.Name))
		return
	}

	updates := make(chan int, 1)
	listenerID := task.AddListener(func(event usecase.TaskEvent) {
		if event.Kind != usecase.EventStarted && event.Kind != usecase.EventProgress {
			return
		}
		latest(updates, event.Progress)
	})

	stop := make(chan struct{})
	editorDone := make(chan struct{})
	go func() {
		defer close(editorDone)
		b.editProgress(s, i, profile.Name, updates, stop)
	}()

	_, err = task.Wait(ctx)
	task.RemoveListener(listenerID)
	close(stop)
	<-editorDone

	if err != nil {
		b.edit(s, i, refreshFailure(profile.Name, err))
		return
	}

	image, err := b.images.LatestImage(ctx, profile.ID)
	if err != nil {
		b.edit(s, i, refreshFailure(profile.Name, err))
		return
	}

	b.edit(s, i, fmt.Sprintf("Downloaded %s\n%s", profile.Name, progressBar(100)))
	b.followupImage(s, i, image)
}

// editProgress edits the deferred response whenever progress advanced by at least five points.
func (b *WeatherBot) editProgress(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	name string,
	updates <-chan int,
	stop <-chan struct{},
) {
	shown := -1
	for {
		select {
		case progress := <-updates:
			if progress-shown < 5 && progress < 100 {
				continue
			}
			shown = progress
			b.edit(s, i, fmt.Sprintf("Downloading %s\n%s", name, progressBar(progress)))
		case <-stop:
			return
		}
	}
}

func (b *WeatherBot) handleCancel(s *discordgo.Session, i *discordgo.InteractionCreate) {
	options := commandOptions(i)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	profile, err := b.lookupProfile(ctx, options)
	if err != nil {
		b.respondWithError(s, i, err.Error())
		return
	}

	content := fmt.Sprintf("No download of %s is running", profile.Name)
	if b.forecasts.Cancel(profile.ID) {
		content = fmt.Sprintf("Cancelled the download of %s", profile.Name)
	}
	b.respond(s, i, content)
}

func (b *WeatherBot) handleProfiles(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	profiles, err := b.forecasts.ListProfiles(ctx)
	if err != nil {
		b.logger.Error("failed to list profiles", slog.Any("error", err))
		b.respondWithError(s, i, "Failed to list location profiles")
		return
	}
	if len(profiles) == 0 {
		b.respond(s, i, "No location profiles are configured")
		return
	}

	now := time.Now()
	var content strings.Builder
	for _, profile := range profiles {
		availability, err := b.forecasts.Availability(ctx, profile.ID, now)
		if err != nil {
			availability = domain.AvailabilityNotAvailable
		}
		fmt.Fprintf(&content, "- **%s** (%s, %d/%d): %s\n",
			profile.Name,
			profile.ModelKind,
			profile.X,
			profile.Y,
			strings.ReplaceAll(string(availability), "_", " "),
		)
	}
	b.respond(s, i, content.String())
}

func (b *WeatherBot) handleSubscribe(s *discordgo.Session, i *discordgo.InteractionCreate) {
	options := commandOptions(i)

	timeOption, ok := options["time"]
	if !ok {
		b.respondWithError(s, i, "Time option is required")
		return
	}

	parsedTime, err := time.Parse("15:04", timeOption.StringValue())
	if err != nil {
		b.respondWithError(s, i, "Invalid time format. Please use HH:MM format (e.g., 08:00)")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	profile, err := b.lookupProfile(ctx, options)
	if err != nil {
		b.respondWithError(s, i, err.Error())
		return
	}

	message := ""
	if option, ok := options["message"]; ok {
		message = option.StringValue()
	}

	sub := domain.Subscription{
		ChannelID: i.ChannelID,
		GuildID:   i.GuildID,
		Time:      parsedTime,
		ProfileID: profile.ID,
		Message:   message,
	}

	if err := b.subscriptions.Add(ctx, sub); err != nil {
		b.logger.Error(
			"failed to add subscription",
			slog.String("channel", i.ChannelID),
			slog.Any("error", err),
		)
		b.respondWithError(s, i, "Failed to subscribe channel to meteograms")
		return
	}

	b.respond(s, i, fmt.Sprintf(
		"Successfully subscribed this channel to the meteogram of %s at %s UTC daily",
		profile.Name,
		timeOption.StringValue(),
	))
}

func (b *WeatherBot) handleUnsubscribe(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	count, err := b.subscriptions.Remove(ctx, i.ChannelID)
	if err != nil {
		b.logger.Error(
			"failed to remove subscriptions",
			slog.String("channel", i.ChannelID),
			slog.Any("error", err),
		)
	}

	b.respond(s, i, fmt.Sprintf("Removed %d meteogram subscription(s) from this channel", count))
}

func (b *WeatherBot) lookupProfile(
	ctx context.Context,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (domain.LocationProfile, error) {
	option, ok := options["profile"]
	if !ok || strings.TrimSpace(option.StringValue()) == "" {
		return domain.LocationProfile{}, userError("Profile option is required")
	}

	profile, err := b.forecasts.FindProfile(ctx, option.StringValue())
	if errors.Is(err, domain.ErrNotFound) {
		return domain.LocationProfile{}, userError(fmt.Sprintf("Unknown location profile %q", option.StringValue()))
	}
	if err != nil {
		b.logger.Error("failed to look up profile", slog.Any("error", err))
		return domain.LocationProfile{}, userError("Failed to look up location profile")
	}
	return profile, nil
}

func (b *WeatherBot) deferResponse(s *discordgo.Session, i *discordgo.InteractionCreate) bool {
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		b.logger.Error("failed to defer interaction", slog.Any("error", err))
		return false
	}
	return true
}

func (b *WeatherBot) edit(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{
		Content: &content,
	}); err != nil {
		b.logger.Warn("failed to edit interaction response", slog.Any("error", err))
	}
}

func (b *WeatherBot) followup(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	if _, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Content: content,
	}); err != nil {
		b.logger.Error("failed to send followup", slog.Any("error", err))
	}
}

func (b *WeatherBot) followupImage(s *discordgo.Session, i *discordgo.InteractionCreate, image usecase.ForecastImage) {
	file := forecastFile(image)
	if _, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Content: forecastCaption(image, ""),
		Files: []*discordgo.File{
			{
				Name:        file.Name,
				ContentType: file.ContentType,
				Reader:      bytes.NewReader(image.Data),
			},
		},
	}); err != nil {
		b.logger.Error("failed to send followup", slog.Any("error", err))
	}
}

func (b *WeatherBot) respond(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}); err != nil {
		b.logger.Error("failed to respond to interaction", slog.Any("error", err))
	}
}

func (b *WeatherBot) respondWithError(s *discordgo.Session, i *discordgo.InteractionCreate, message string) {
	b.respond(s, i, message)
}

// userError is an error whose text is shown to the Discord user as is.
type userError string

func (e userError) Error() string {
	return string(e)
}

func commandOptions(i *discordgo.InteractionCreate) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	options := map[string]*discordgo.ApplicationCommandInteractionDataOption{}
	for _, option := range i.ApplicationCommandData().Options {
		options[option.Name] = option
	}
	return options
}

// latest replaces any pending value in ch with value without blocking.
func latest(ch chan int, value int) {
	for {
		select {
		case ch <- value:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func progressBar(progress int) string {
	progress = min(max(progress, 0), 100)
	filled := progress * progressBarWidth / 100
	return fmt.Sprintf("`[%s%s]` %d%%",
		strings.Repeat("#", filled),
		strings.Repeat("-", progressBarWidth-filled),
		progress,
	)
}

func refreshFailure(name string, err error) string {
	switch {
	case errors.Is(err, domain.ErrCancelled):
		return fmt.Sprintf("The download of %s was cancelled", name)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("The download of %s is taking too long; it continues in the background", name)
	case domain.IsFatal(err):
		return fmt.Sprintf("The download of %s cannot run: the model source is misconfigured", name)
	default:
		return fmt.Sprintf("The download of %s failed; the previous forecast is kept", name)
	}
}
