package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaymesh/apiagent"
	"github.com/relaymesh/apiagent/configs"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	conf, err := configs.LoadConfig("configs/config.yml")
	if err != nil {
		panic(err)
	}

	env := configs.LoadEnvConfig()
	if !env.WritesEnabled {
		logger.Printf("agentd: ENC_PK/KEY not set, starting read-only")
	}

	agent, err := apiagent.New(conf, env, logger)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reportChan := make(chan string)
	go func() {
		if err := agent.Run(ctx, reportChan); err != nil {
			fmt.Printf("agent stopped: %v\n", err)
		}
		close(reportChan)
	}()

	for update := range reportChan {
		logger.Println(update)
	}
}
