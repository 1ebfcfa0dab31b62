package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification carries the context of one flagged speed check.
type Notification struct {
	Reference       time.Time
	PlayerIDs       []int64
	Penalty         float64
	Threshold       float64
	AvgAdvantage    float64
	Samples         int
	EscrowHits      int
	MacroSamples    int
	AdditionalNotes string
}

// Notifier delivers moderation alerts.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a TelegramNotifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify posts the rendered alert via the sendMessage API.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram responded %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Float64("penalty", note.Penalty).
		Int("players", len(note.PlayerIDs)).
		Msg("alert sent (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Speed Advantage Alert]\n")
	builder.WriteString(fmt.Sprintf("Reference: %s UTC\n", note.Reference.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Players: %s\n", joinIDs(note.PlayerIDs)))
	builder.WriteString(fmt.Sprintf("Penalty: %.3f (threshold %.3f)\n", note.Penalty, note.Threshold))
	builder.WriteString(fmt.Sprintf("Avg advantage: %.2fs over %d sales\n", note.AvgAdvantage, note.Samples))
	if note.EscrowHits > 0 {
		builder.WriteString(fmt.Sprintf("Escrow contention: %d\n", note.EscrowHits))
	}
	if note.MacroSamples > 0 {
		builder.WriteString(fmt.Sprintf("Macro-band samples: %d\n", note.MacroSamples))
	}
	if note.AdditionalNotes != "" {
		builder.WriteString(note.AdditionalNotes)
	}
	return builder.String()
}

func joinIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}

var _ Notifier = (*TelegramNotifier)(nil)
