package cmd

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/crowdfunding-payments/internal/core/events"
	"github.com/frahmantamala/crowdfunding-payments/internal/notification"
	"github.com/frahmantamala/crowdfunding-payments/pkg/logger"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Event management commands",
	Long:  `Publish synthetic lifecycle events through the in-process bus to check notification handlers`,
}

var publishEventCmd = &cobra.Command{
	Use:   "publish [event-type]",
	Short: "Publish a synthetic payment or payout event",
	Long:  `Publish a synthetic event such as payment.completed or payout.failed with the notification handlers registered`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		publishTestEvent(args[0])
	},
}

var (
	eventAmount    int64
	eventProjectID int64
	eventUserID    int64
	eventReason    string
)

func publishTestEvent(eventType string) {
	lg := logger.LoggerWrapper()

	eventBus := events.NewEventBus(lg)
	notification.NewEventHandler(notification.NewLogSender(lg), lg).RegisterEventHandlers(eventBus)

	kind, status, ok := strings.Cut(eventType, ".")
	if !ok {
		lg.Error("event type must look like payment.<status> or payout.<status>", "event_type", eventType)
		return
	}
	status = strings.ToUpper(status)

	var event events.Event
	switch kind {
	case "payment":
		event = events.NewPaymentTransitionedEvent(events.PaymentTransition{
			PaymentID:  uuid.NewString(),
			DonationID: uuid.NewString(),
			UserID:     eventUserID,
			ProjectID:  eventProjectID,
			Amount:     eventAmount,
			Currency:   "THB",
			From:       "PROCESSING",
			To:         status,
			Reason:     eventReason,
		})
	case "payout":
		event = events.NewPayoutTransitionedEvent(uuid.NewString(), eventProjectID, eventUserID, eventAmount, "THB", status, "", eventReason)
	default:
		lg.Error("unknown event kind", "kind", kind)
		return
	}

	lg.Info("publishing test event", "event_type", event.EventType(), "event_id", event.EventID())

	if err := eventBus.PublishSync(context.Background(), event); err != nil {
		lg.Error("failed to publish event", "error", err)
		return
	}
	lg.Info("test event published successfully")
}

func init() {
	publishEventCmd.Flags().Int64Var(&eventAmount, "amount", 1000, "Amount in minor units")
	publishEventCmd.Flags().Int64Var(&eventProjectID, "project-id", 1, "Project id")
	publishEventCmd.Flags().Int64Var(&eventUserID, "user-id", 1, "User id")
	publishEventCmd.Flags().StringVar(&eventReason, "reason", "", "Failure reason")

	eventCmd.AddCommand(publishEventCmd)

	rootCmd.AddCommand(eventCmd)
}
