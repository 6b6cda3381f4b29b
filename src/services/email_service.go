package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/username/cryptotaxcalc/backend/src/config"
	"github.com/username/cryptotaxcalc/backend/src/logger"
	"github.com/username/cryptotaxcalc/backend/src/utils"
)

// RunNotifier delivers a short completion summary after a calculation run,
// so an operator sees totals and the manifest digest without opening the
// API.
type RunNotifier interface {
	SendRunSummary(result *RunResult) error
}

func NewRunNotifier() RunNotifier {
	if config.Cfg == nil {
		slog.Error("Configuration (config.Cfg) is nil. Run notifier will default to mock.")
		return &MockRunNotifier{}
	}

	provider := strings.ToLower(config.Cfg.EmailServiceProvider)
	logger.L.Info("Initializing run notifier", "provider", provider)

	switch provider {
	case "mailgun":
		if config.Cfg.MailgunDomain == "" || config.Cfg.MailgunPrivateAPIKey == "" ||
			config.Cfg.SenderEmail == "" || config.Cfg.NotifyEmail == "" {
			logger.L.Warn("Mailgun configuration incomplete (Domain, API Key, SenderEmail or NotifyEmail missing). Falling back to MockRunNotifier.")
			return &MockRunNotifier{}
		}
		mg := mailgun.NewMailgun(config.Cfg.MailgunDomain, config.Cfg.MailgunPrivateAPIKey)
		logger.L.Info("Mailgun client initialized", "domain", config.Cfg.MailgunDomain)
		return &MailgunRunNotifier{
			mg:          mg,
			senderEmail: config.Cfg.SenderEmail,
			senderName:  config.Cfg.SenderName,
			notifyEmail: config.Cfg.NotifyEmail,
		}
	default:
		logger.L.Info("Defaulting to MockRunNotifier.")
		return &MockRunNotifier{}
	}
}

type MailgunRunNotifier struct {
	mg          *mailgun.MailgunImpl
	senderEmail string
	senderName  string
	notifyEmail string
}

func (n *MailgunRunNotifier) SendRunSummary(result *RunResult) error {
	subject := fmt.Sprintf("Calculation run %s finished", shortID(result.RunID))
	body := runSummaryBody(result)

	sender := fmt.Sprintf("%s <%s>", n.senderName, n.senderEmail)
	message := n.mg.NewMessage(sender, subject, body, n.notifyEmail)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _, err := n.mg.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("error sending run summary via mailgun: %w", err)
	}
	logger.L.Info("Run summary email sent", "runID", result.RunID, "to", n.notifyEmail)
	return nil
}

type MockRunNotifier struct{}

func (n *MockRunNotifier) SendRunSummary(result *RunResult) error {
	logger.L.Info("MOCK run summary notification",
		"runID", result.RunID,
		"events", len(result.Events),
		"manifestHash", result.Digests.ManifestHash)
	return nil
}

func runSummaryBody(result *RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run ID: %s\n", result.RunID)
	fmt.Fprintf(&b, "Realized events: %d\n", len(result.Events))
	fmt.Fprintf(&b, "Warnings: %d\n", len(result.Warnings))
	fmt.Fprintf(&b, "EUR proceeds: %s\n", utils.DecString(result.EurSummary.Totals.Proceeds))
	fmt.Fprintf(&b, "EUR gain: %s\n", utils.DecString(result.EurSummary.Totals.Gain))
	fmt.Fprintf(&b, "Taxable gain (EUR): %s\n", utils.DecString(result.TaxableGainEUR))
	fmt.Fprintf(&b, "Input hash: %s\n", result.Digests.InputHash)
	fmt.Fprintf(&b, "Output hash: %s\n", result.Digests.OutputHash)
	fmt.Fprintf(&b, "Manifest hash: %s\n", result.Digests.ManifestHash)
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
