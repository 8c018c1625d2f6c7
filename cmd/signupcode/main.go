package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"habitgrid/internal/config"
	"habitgrid/internal/store"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// main 为运营人员批量铸造注册码并打印到标准输出。
func main() {
	var (
		count      = flag.Int("n", 1, "number of signup codes to mint")
		configPath = flag.String("config", "", "path to config file")
	)
	flag.Parse()

	if *count < 1 {
		log.Fatal("-n must be at least 1")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		TranslateError: true,
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	codes, err := store.NewSignupCodes(db).Mint(context.Background(), *count, cfg.App.SignupCodeLength)
	if err != nil {
		log.Fatalf("mint signup codes: %v", err)
	}

	for _, code := range codes {
		fmt.Println(code)
	}
}
