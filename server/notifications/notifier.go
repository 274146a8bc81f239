package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/panupd/panupd/share/logger"
)

// MailNotifier mails the outcome of finished upgrade attempts.
type MailNotifier struct {
	mailer     Mailer
	recipients []string
	deviceName string
	logger     *logger.Logger
}

func NewMailNotifier(mailer Mailer, recipients []string, deviceName string, l *logger.Logger) *MailNotifier {
	return &MailNotifier{
		mailer:     mailer,
		recipients: recipients,
		deviceName: deviceName,
		logger:     l,
	}
}

func (n *MailNotifier) UpgradeFinished(ctx context.Context, targetVersion string, ok bool, message string) error {
	if len(n.recipients) == 0 {
		return nil
	}

	outcome := "succeeded"
	if !ok {
		outcome = "failed"
	}
	subject := fmt.Sprintf("[panupd] Upgrade of %s to %s %s", n.deviceName, targetVersion, outcome)
	body := fmt.Sprintf(
		"Device:  %s\r\nTarget:  %s\r\nOutcome: %s\r\nTime:    %s\r\n\r\n%s\r\n",
		n.deviceName, targetVersion, outcome, time.Now().Format(time.RFC1123), message,
	)

	if err := n.mailer.Send(ctx, n.recipients, subject, body); err != nil {
		n.logger.Errorf("could not send upgrade notification: %v", err)
		return err
	}
	n.logger.Debugf("upgrade notification sent to %d recipient(s)", len(n.recipients))
	return nil
}
