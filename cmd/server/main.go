package main

import (
	"context"
	"log"

	"github.com/advbbs/advbbs/internal/config"
	"github.com/advbbs/advbbs/internal/server"
)

func main() {
	ctx := context.Background()
	cfg := config.LoadConfig()

	app, err := server.NewApp(cfg)
	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)
}
