package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/account-service/internal/events"
	"github.com/spec-kit/account-service/internal/mailer"
)

// NotificationService sends courtesy and security emails in response to
// account lifecycle events. Delivery here is best effort; only the password
// reset link itself is sent transactionally by the account service.
type NotificationService struct {
	dispatcher events.Dispatcher
	mail       mailer.Mailer
	logger     *zap.Logger
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, mail mailer.Mailer, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		dispatcher: dispatcher,
		mail:       mail,
		logger:     logger,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventAccountRegistered, n.handleAccountRegistered)
	n.dispatcher.Subscribe(events.EventPasswordChanged, n.handlePasswordChanged)
	n.dispatcher.Subscribe(events.EventPasswordResetCompleted, n.handlePasswordChanged)
}

func (n *NotificationService) handleAccountRegistered(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.AccountRegisteredPayload)
	if !ok {
		return nil
	}
	n.logger.Info("AccountRegistered", zap.String("user_id", event.UserID))
	return n.send(ctx, mailer.Message{
		To:      payload.Email,
		Subject: "Welcome",
		Body:    fmt.Sprintf("Hi %s,\n\nYour account has been created.", payload.Name),
	})
}

func (n *NotificationService) handlePasswordChanged(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.PasswordChangedPayload)
	if !ok {
		return nil
	}
	n.logger.Info("PasswordChanged", zap.String("user_id", event.UserID), zap.String("via", payload.Via))
	return n.send(ctx, mailer.Message{
		To:      payload.Email,
		Subject: "Your password was changed",
		Body:    "Your account password was just changed. If this was not you, request a password reset immediately.",
	})
}

func (n *NotificationService) send(ctx context.Context, msg mailer.Message) error {
	if err := n.mail.Send(ctx, msg); err != nil {
		n.logger.Warn("notification email failed", zap.String("to", msg.To), zap.Error(err))
		return err
	}
	return nil
}
