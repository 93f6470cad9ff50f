package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/TheMystery123/TraceDroid/internal/config"
	"github.com/TheMystery123/TraceDroid/internal/repository"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := config.InitLogger(&cfg.Log)

	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}

	if err := repository.AutoMigrate(db, logger); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	fmt.Println("Migration completed successfully")
}
