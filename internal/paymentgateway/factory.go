package paymentgateway

import (
	"fmt"
	"log/slog"

	"github.com/frahmantamala/crowdfunding-payments/internal"
)

// New builds the configured gateway. The returned shutdown func stops any
// background delivery and is safe to call when there is none.
func New(cfg internal.PaymentConfig, logger *slog.Logger) (Gateway, func(), error) {
	switch cfg.Provider {
	case internal.ProviderSandbox, "":
		sb := NewSandbox(SandboxConfig{
			WebhookURL:    cfg.Sandbox.WebhookURL,
			WebhookSecret: cfg.WebhookSecret,
			CallbackDelay: cfg.Sandbox.CallbackDelay,
			FeePercentage: cfg.Sandbox.FeePercentage,
			MaxWorkers:    cfg.Sandbox.MaxWorkers,
			JobQueueSize:  cfg.Sandbox.JobQueueSize,
		}, logger)
		return sb, sb.Shutdown, nil
	case internal.ProviderOmise:
		api, err := NewOmiseAPI(cfg.Omise.PublicKey, cfg.Omise.SecretKey)
		if err != nil {
			return nil, nil, err
		}
		return NewOmise(api, cfg.WebhookSecret, logger), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown payment provider %q", cfg.Provider)
	}
}
