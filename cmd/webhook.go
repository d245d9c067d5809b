package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/crowdfunding-payments/internal/paymentgateway"
	"github.com/frahmantamala/crowdfunding-payments/pkg/logger"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Sign and replay provider webhooks",
	Long:  `Helpers for producing signed webhook payloads against a running server`,
}

var signWebhookCmd = &cobra.Command{
	Use:   "sign",
	Short: "Print the signature header for a payload",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, secret, err := readWebhookInput()
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", paymentgateway.SignatureHeader, paymentgateway.SignPayload(secret, body, time.Now()))
		return nil
	},
}

var sendWebhookCmd = &cobra.Command{
	Use:   "send",
	Short: "Sign a payload and POST it to the webhook endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, secret, err := readWebhookInput()
		if err != nil {
			return err
		}
		return sendWebhook(cmd.Context(), webhookTarget, secret, body)
	},
}

var (
	webhookFile    string
	webhookTarget  string
	webhookSecret  string
	webhookRetries uint64
)

func readWebhookInput() ([]byte, string, error) {
	if webhookFile == "" {
		return nil, "", fmt.Errorf("--file is required")
	}
	body, err := os.ReadFile(webhookFile)
	if err != nil {
		return nil, "", fmt.Errorf("read payload: %w", err)
	}

	secret := webhookSecret
	if secret == "" {
		config, err := loadConfig(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("load config: %w", err)
		}
		secret = config.Payment.WebhookSecret
	}
	if secret == "" {
		return nil, "", fmt.Errorf("no webhook secret configured")
	}
	return body, secret, nil
}

// sendWebhook re-signs on every attempt so the timestamp stays within tolerance.
func sendWebhook(ctx context.Context, url, secret string, body []byte) error {
	lg := logger.LoggerWrapper()
	client := &http.Client{Timeout: 10 * time.Second}

	backoff := retry.WithMaxRetries(webhookRetries, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(paymentgateway.SignatureHeader, paymentgateway.SignPayload(secret, body, time.Now()))

		resp, err := client.Do(req)
		if err != nil {
			lg.Warn("webhook delivery failed", "error", err)
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode >= 500:
			lg.Warn("webhook endpoint error", "status_code", resp.StatusCode)
			return retry.RetryableError(fmt.Errorf("endpoint returned %d", resp.StatusCode))
		case resp.StatusCode >= 300:
			return fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, respBody)
		}
		lg.Info("webhook delivered", "status_code", resp.StatusCode)
		return nil
	})
}

func init() {
	webhookCmd.PersistentFlags().StringVarP(&webhookFile, "file", "f", "", "Path to the JSON payload")
	webhookCmd.PersistentFlags().StringVar(&webhookSecret, "secret", "", "Signing secret (defaults to payment.webhook_secret)")
	sendWebhookCmd.Flags().StringVar(&webhookTarget, "url", "http://localhost:8080"+webhookPath, "Webhook endpoint")
	sendWebhookCmd.Flags().Uint64Var(&webhookRetries, "retries", 3, "Retries on network or 5xx errors")

	webhookCmd.AddCommand(signWebhookCmd)
	webhookCmd.AddCommand(sendWebhookCmd)

	rootCmd.AddCommand(webhookCmd)
}
