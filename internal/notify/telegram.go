// Package notify alerts support staff about checkouts that need manual attention.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"lessonbook/internal/payment"
	"lessonbook/internal/pricing"
)

// Sender is the part of tgbotapi.BotAPI used here.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts alerts to every configured support chat.
type Telegram struct {
	sender  Sender
	chatIDs []int64
	logger  *zerolog.Logger
}

// NewTelegramFromToken connects a bot with token.
func NewTelegramFromToken(token string, chatIDs []int64, logger *zerolog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return NewTelegram(bot, chatIDs, logger), nil
}

func NewTelegram(sender Sender, chatIDs []int64, logger *zerolog.Logger) *Telegram {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Telegram{sender: sender, chatIDs: chatIDs, logger: logger}
}

// AlertPartialCommit implements payment.Alerter. Every chat is attempted; the joined error reports the
// ones that failed.
func (t *Telegram) AlertPartialCommit(ctx context.Context, pc *payment.PartialCommitError) error {
	text := FormatPartialCommit(pc)

	var errs []error
	for _, chatID := range t.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := t.sender.Send(msg); err != nil {
			t.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send partial commit alert")
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

// SendDocument implements ledger.DocumentSender. The content is read once and sent to every chat.
func (t *Telegram) SendDocument(ctx context.Context, filename string, data io.Reader, caption string) error {
	content, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}

	var errs []error
	for _, chatID := range t.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: filename, Bytes: content})
		doc.Caption = caption
		if _, err := t.sender.Send(doc); err != nil {
			t.logger.Error().Err(err).Int64("chat_id", chatID).Str("filename", filename).Msg("failed to send document")
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

// FormatPartialCommit renders the alert text.
func FormatPartialCommit(pc *payment.PartialCommitError) string {
	var b strings.Builder
	b.WriteString("Partial booking commit\n")
	fmt.Fprintf(&b, "Payment: %s (%s %s)\n", pc.PaymentID, pricing.FormatCents(pc.Amount), strings.ToUpper(pc.Currency))
	fmt.Fprintf(&b, "Instructor: %s\n", pc.InstructorID)
	fmt.Fprintf(&b, "Learner: %s <%s>\n", pc.LearnerID, pc.LearnerEmail)

	if len(pc.Committed) > 0 {
		b.WriteString("Committed:\n")
		for _, c := range pc.Committed {
			fmt.Fprintf(&b, "  %s -> booking %s\n", c.LessonID, c.BookingID)
		}
	}
	fmt.Fprintf(&b, "Failed: %s", pc.FailedLessonID)
	if pc.Cause != nil {
		fmt.Fprintf(&b, " (%v)", pc.Cause)
	}
	b.WriteString("\n")
	if len(pc.NotAttempted) > 0 {
		fmt.Fprintf(&b, "Not attempted: %s\n", strings.Join(pc.NotAttempted, ", "))
	}
	return b.String()
}
