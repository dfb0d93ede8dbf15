package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/johndauphine/fitsync-migrate/internal/config"
	"github.com/johndauphine/fitsync-migrate/internal/engine"
)

const footer = "fitsync-migrate"

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// MigrationCompleted sends notification when a migration succeeds
func (n *Notifier) MigrationCompleted(res *engine.Result) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":white_check_mark:",
		Text:      fmt.Sprintf("Profile migration completed for %s. Migrated: %s.", res.UserID, migratedSections(res)),
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f", // green
				Fields: []SlackField{
					{Title: "Migration ID", Value: res.MigrationID, Short: true},
					{Title: "Started", Value: res.StartTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
					{Title: "Duration", Value: formatDuration(res.Duration()), Short: true},
					{Title: "Conflicts Resolved", Value: fmt.Sprintf("%d", len(res.Resolutions)), Short: true},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}
	if len(res.Warnings) > 0 {
		msg.Attachments[0].Text = "Warnings: " + strings.Join(res.Warnings, "; ")
	}

	return n.send(msg)
}

// MigrationFailed sends notification when a migration fails or is interrupted
func (n *Notifier) MigrationFailed(res *engine.Result) error {
	if !n.IsEnabled() {
		return nil
	}

	title, color, icon := "Migration Failed", "#dc3545", ":x:" // red
	if res.Cancelled {
		title, color, icon = "Migration Interrupted", "#ffc107", ":warning:" // yellow
	}

	errMsg := "Unknown error"
	if res.Err != nil {
		errMsg = res.Err.Error()
		if len(errMsg) > 500 {
			errMsg = errMsg[:500] + "..."
		}
	}
	failedStep := "-"
	if k := len(res.Errors); k > 0 {
		failedStep = res.Errors[k-1].Step
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: icon,
		Attachments: []SlackAttachment{
			{
				Color: color,
				Title: title,
				Fields: []SlackField{
					{Title: "Migration ID", Value: res.MigrationID, Short: true},
					{Title: "User", Value: res.UserID, Short: true},
					{Title: "Completed Steps", Value: fmt.Sprintf("%d/%d", len(res.CompletedSteps), len(engine.Steps)), Short: true},
					{Title: "Failed Step", Value: failedStep, Short: true},
					{Title: "Error", Value: errMsg, Short: false},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// RollbackCompleted sends notification after a rollback, listing any tables
// that may still hold rows
func (n *Notifier) RollbackCompleted(res *engine.RollbackResult) error {
	if !n.IsEnabled() {
		return nil
	}

	color := "#36a64f"
	if !res.Success {
		color = "#dc3545"
	} else if len(res.OrphanedTables()) > 0 {
		color = "#ffc107"
	}
	orphans := "none"
	if t := res.OrphanedTables(); len(t) > 0 {
		orphans = strings.Join(t, ", ")
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":rewind:",
		Attachments: []SlackAttachment{
			{
				Color: color,
				Title: "Migration Rolled Back",
				Fields: []SlackField{
					{Title: "Migration ID", Value: res.MigrationID, Short: true},
					{Title: "Local Restored", Value: fmt.Sprintf("%t", res.LocalRestored), Short: true},
					{Title: "Orphaned Tables", Value: orphans, Short: false},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return footer
}

func migratedSections(res *engine.Result) string {
	var names []string
	for k, ok := range res.Migrated {
		if ok {
			names = append(names, string(k))
		}
	}
	if len(names) == 0 {
		return "nothing"
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
