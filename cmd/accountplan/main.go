package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"cutout/internal/adapter/repo"
	"cutout/internal/domain"
)

// accountplan manages plan assignments from the command line. Plan changes
// normally arrive from the billing collaborator; this covers support work
// and local setups.
func main() {
	var (
		idFlag     string
		emailFlag  string
		planFlag   string
		monthsFlag int
		createFlag bool
	)

	flag.StringVar(&idFlag, "id", "", "account ID to update (UUID)")
	flag.StringVar(&emailFlag, "email", "", "email for -create")
	flag.StringVar(&planFlag, "plan", "intermediate", "plan to assign (free, intermediate, premium)")
	flag.IntVar(&monthsFlag, "months", 1, "paid plan duration in months")
	flag.BoolVar(&createFlag, "create", false, "create a new account instead of updating")
	flag.Parse()

	plan := domain.PlanTier(strings.TrimSpace(strings.ToLower(planFlag)))
	switch plan {
	case domain.PlanTierFree, domain.PlanTierIntermediate, domain.PlanTierPremium:
	default:
		exitWithError(fmt.Errorf("unsupported plan %q", planFlag))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	accounts := repo.NewAccountRepository(pool)
	now := time.Now().UTC()

	if createFlag {
		email := strings.TrimSpace(emailFlag)
		if email == "" {
			exitWithError(errors.New("-email is required with -create"))
		}
		acct := &domain.Account{
			ID:    uuid.NewString(),
			Email: email,
			Plan:  plan,
		}
		applyWindow(acct, plan, now, monthsFlag)
		if err := accounts.Create(ctx, acct); err != nil {
			exitWithError(fmt.Errorf("failed to create account: %w", err))
		}
		fmt.Printf("Account %s (%s) created on plan %s\n", acct.ID, acct.Email, acct.Plan)
		return
	}

	accountID := strings.TrimSpace(idFlag)
	if accountID == "" {
		exitWithError(errors.New("-id is required"))
	}
	acct, err := accounts.GetByID(ctx, accountID)
	if err != nil {
		exitWithError(fmt.Errorf("failed to load account: %w", err))
	}

	applyWindow(acct, plan, now, monthsFlag)
	if err := accounts.UpdatePlan(ctx, acct.ID, plan, acct.PlanStartedAt, acct.PlanEndsAt); err != nil {
		exitWithError(fmt.Errorf("failed to update plan: %w", err))
	}
	fmt.Printf("Account %s (%s) updated to plan %s", acct.ID, acct.Email, plan)
	if acct.PlanEndsAt != nil {
		fmt.Printf(" until %s", acct.PlanEndsAt.Format(time.RFC3339))
	}
	fmt.Println()
}

func applyWindow(acct *domain.Account, plan domain.PlanTier, now time.Time, months int) {
	if months < 1 {
		months = 1
	}
	acct.Plan = plan
	acct.PlanStartedAt = &now
	if plan == domain.PlanTierFree {
		// Free trials run a fixed number of days from signup, not months.
		ends := now.AddDate(0, 0, 7)
		acct.PlanEndsAt = &ends
		return
	}
	ends := now.AddDate(0, months, 0)
	acct.PlanEndsAt = &ends
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
