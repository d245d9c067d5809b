package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/crowdfunding-payments/internal"
	"github.com/frahmantamala/crowdfunding-payments/internal/auth"
	authPostgres "github.com/frahmantamala/crowdfunding-payments/internal/auth/postgres"
)

// Login lives in the identity service; this mints development tokens signed
// with the same key pair.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development access token",
	Long:  `Mint an RS256 access token for a seeded user (--email) or for an explicit id and permission set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		privateKey, err := cfg.Security.GetPrivateKey()
		if err != nil {
			return fmt.Errorf("load jwt private key: %w", err)
		}
		publicKey, err := cfg.Security.GetPublicKey()
		if err != nil {
			return fmt.Errorf("load jwt public key: %w", err)
		}

		ttl := tokenTTL
		if ttl <= 0 {
			ttl = cfg.Security.AccessTokenDuration
		}
		issuer := auth.NewJWTTokenGenerator(publicKey, privateKey, ttl)

		u, err := resolveTokenUser(cmd.Context(), cfg)
		if err != nil {
			return err
		}

		token, err := issuer.GenerateAccessToken(u.ID, u.Email, u.Permissions)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var (
	tokenEmail  string
	tokenUserID int64
	tokenPerms  []string
	tokenTTL    time.Duration
)

func resolveTokenUser(ctx context.Context, cfg *internal.Config) (*internal.User, error) {
	if tokenEmail == "" {
		if tokenUserID <= 0 {
			return nil, fmt.Errorf("either --email or --user-id is required")
		}
		return &internal.User{ID: tokenUserID, Permissions: tokenPerms}, nil
	}

	db, err := initDB(cfg.Database)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	gdb, err := initGorm(db)
	if err != nil {
		return nil, err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	return authPostgres.NewRepository(gdb).GetUserWithPermissions(ctx, tokenEmail)
}

func init() {
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Load the user and permissions from the database")
	tokenCmd.Flags().Int64Var(&tokenUserID, "user-id", 0, "User id when not loading from the database")
	tokenCmd.Flags().StringSliceVar(&tokenPerms, "perm", nil, "Permission to embed (repeatable)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (overrides config)")

	rootCmd.AddCommand(tokenCmd)
}
