package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"successhub/engine/internal/config"
	"successhub/engine/internal/logging"
	"successhub/engine/internal/registry"
	"successhub/engine/internal/repository"
	"successhub/engine/pkg/models"
)

// Seeds the database schema and a couple of demo automation rules so a
// fresh local environment has something to match events against.
func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, repository.Schema); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	logger.Info("Schema applied")

	// The catalog validates here too, so a broken definition file is
	// caught at seed time rather than at server startup.
	reg, err := registry.Load(cfg.Engine.CatalogDir)
	if err != nil {
		log.Fatalf("Failed to load workflow catalog: %v", err)
	}
	logger.Info("Workflow catalog validated", "definitions", len(reg.IDs()))

	store := repository.NewPostgresStore(pool)

	now := time.Now()
	rules := []*models.AutomationRule{
		{
			ID:           "seed-renewal-window",
			DefinitionID: "renewal-outreach",
			Name:         "Renewal inside 60 days",
			Logic:        models.LogicAnd,
			Conditions: []models.RuleCondition{
				{Field: "type", Operator: models.OpEquals, Value: "renewal.approaching"},
				{Field: "days_until_renewal", Operator: models.OpLessThan, Value: 60},
			},
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:           "seed-health-drop",
			DefinitionID: "churn-risk-response",
			Name:         "Health score dropped below 50",
			Logic:        models.LogicAnd,
			Conditions: []models.RuleCondition{
				{Field: "type", Operator: models.OpEquals, Value: "health.changed"},
				{Field: "health_score", Operator: models.OpLessThan, Value: 50},
			},
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	created := 0
	for _, rule := range rules {
		if _, err := reg.Get(rule.DefinitionID); err != nil {
			logger.Warn("Skipping seed rule, definition not in catalog",
				"rule_id", rule.ID, "definition_id", rule.DefinitionID)
			continue
		}
		if _, err := store.GetRule(ctx, rule.ID); err == nil {
			logger.Info("Seed rule already present", "rule_id", rule.ID)
			continue
		} else {
			var nf *repository.NotFoundError
			if !errors.As(err, &nf) {
				log.Fatalf("Failed to check rule %s: %v", rule.ID, err)
			}
		}
		if err := store.CreateRule(ctx, rule); err != nil {
			log.Fatalf("Failed to create rule %s: %v", rule.ID, err)
		}
		created++
		logger.Info("Seed rule created", "rule_id", rule.ID, "name", rule.Name)
	}

	logger.Info("Seeding finished", "rules_created", created)
}
