package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/frahmantamala/crowdfunding-payments/internal/auth"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/project"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/user"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Seed the database with sample users, permissions and projects for development and testing purposes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		db, err := initDB(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer db.Close()

		gdb, err := initGorm(db)
		if err != nil {
			log.Fatalf("failed to open gorm: %v", err)
		}

		cost := cfg.Security.BCryptCost
		if cost == 0 {
			cost = bcrypt.DefaultCost
		}
		hash, err := bcrypt.GenerateFromPassword([]byte("password"), cost)
		if err != nil {
			log.Fatalf("failed to hash password: %v", err)
		}

		err = gdb.WithContext(context.Background()).Transaction(func(tx *gorm.DB) error {
			return seed(tx, string(hash))
		})
		if err != nil {
			log.Fatalf("seeding failed: %v", err)
		}
		fmt.Println("Seeding complete")
	},
}

type seedUser struct {
	Email       string
	Name        string
	Permissions []string
}

var seedUsers = []seedUser{
	{Email: "donor@mail.com", Name: "Dana Donor"},
	{Email: "creator@mail.com", Name: "Chris Creator"},
	{Email: "ops@mail.com", Name: "Ops Support", Permissions: []string{auth.PermRefundPayments, auth.PermCapturePayments}},
	{Email: "admin@mail.com", Name: "Platform Admin", Permissions: []string{auth.PermAdmin}},
}

var seedPermissions = []user.Permission{
	{Name: auth.PermAdmin, Description: "full administrator"},
	{Name: auth.PermRefundPayments, Description: "Can refund completed donations"},
	{Name: auth.PermCapturePayments, Description: "Can capture authorized donations"},
}

func seed(tx *gorm.DB, passwordHash string) error {
	for i := range seedPermissions {
		p := seedPermissions[i]
		if err := tx.Where(user.Permission{Name: p.Name}).FirstOrCreate(&p).Error; err != nil {
			return fmt.Errorf("permission %s: %w", p.Name, err)
		}
	}

	ids := make(map[string]int64, len(seedUsers))
	for _, su := range seedUsers {
		u := user.User{Email: su.Email, Name: su.Name, PasswordHash: passwordHash, IsActive: true}
		if err := tx.Where(user.User{Email: su.Email}).FirstOrCreate(&u).Error; err != nil {
			return fmt.Errorf("user %s: %w", su.Email, err)
		}
		ids[su.Email] = u.ID
		fmt.Println("Seeded user:", su.Email)

		for _, name := range su.Permissions {
			var perm user.Permission
			if err := tx.Where("name = ?", name).First(&perm).Error; err != nil {
				return fmt.Errorf("permission %s: %w", name, err)
			}
			grant := user.UserPermission{UserID: u.ID, PermissionID: perm.ID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&grant).Error; err != nil {
				return fmt.Errorf("grant %s to %s: %w", name, su.Email, err)
			}
		}
	}

	return seedProjects(tx, ids["creator@mail.com"])
}

func seedProjects(tx *gorm.DB, creatorID int64) error {
	var count int64
	if err := tx.Model(&project.Project{}).Where("creator_id = ?", creatorID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		fmt.Println("projects already seeded; skipping")
		return nil
	}

	limited := 10
	account := "recp_test_seed"

	active := project.Project{
		CreatorID:  creatorID,
		Title:      "Community Library Renovation",
		Status:     project.StatusActive,
		Currency:   "THB",
		GoalAmount: 50000000,
	}
	if err := tx.Create(&active).Error; err != nil {
		return fmt.Errorf("project %q: %w", active.Title, err)
	}

	rewards := []project.Reward{
		{ProjectID: active.ID, Title: "Thank-you postcard", MinimumAmount: 10000},
		{ProjectID: active.ID, Title: "Name on the donor wall", MinimumAmount: 500000, QuantityAvailable: &limited},
	}
	if err := tx.Create(&rewards).Error; err != nil {
		return fmt.Errorf("rewards: %w", err)
	}

	funded := project.Project{
		CreatorID:       creatorID,
		Title:           "School Lunch Fund",
		Status:          project.StatusFunded,
		Currency:        "THB",
		GoalAmount:      10000000,
		PayoutAccountID: &account,
	}
	if err := tx.Create(&funded).Error; err != nil {
		return fmt.Errorf("project %q: %w", funded.Title, err)
	}

	fmt.Println("Seeded projects:", active.ID, funded.ID)
	return nil
}
