package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"codegraph/backend/pkg/config"
	"codegraph/backend/pkg/logger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Applies the Neo4j constraints and indexes the graph store relies on.
// Safe to re-run: every statement is IF NOT EXISTS.
func main() {
	dryRun := flag.Bool("dry-run", false, "Print statements without executing them")
	flag.Parse()

	// Initialize logger
	if err := logger.Init("development"); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting Neo4j schema migration...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	statements := []string{
		`CREATE CONSTRAINT entity_id_unique IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
		`CREATE INDEX entity_type IF NOT EXISTS FOR (e:Entity) ON (e.type)`,
		`CREATE INDEX fact_canonical_id IF NOT EXISTS FOR ()-[f:FACT]-() ON (f.canonical_id)`,
		`CREATE INDEX fact_active IF NOT EXISTS FOR ()-[f:FACT]-() ON (f.canonical_id, f.active)`,
		`CREATE INDEX fact_change_set IF NOT EXISTS FOR ()-[f:FACT]-() ON (f.change_set_id)`,
	}

	if *dryRun {
		fmt.Println(strings.Join(statements, ";\n"))
		return
	}

	// Initialize Neo4j driver
	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4jURI,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
	)
	if err != nil {
		log.Fatal("Failed to create Neo4j driver", zap.Error(err))
	}

	ctx := context.Background()
	defer driver.Close(ctx)

	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Fatal("Failed to verify Neo4j connectivity", zap.Error(err))
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, stmt := range statements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			log.Error("Migration statement failed", zap.String("statement", stmt), zap.Error(err))
			os.Exit(1)
		}
		log.Info("Applied", zap.String("statement", stmt))
	}

	log.Info("Schema migration complete")
}
