package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/courier/internal/auth"
	"github.com/matheus3301/courier/internal/config"
	"github.com/matheus3301/courier/internal/relay/server"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "path to relay.yaml (optional; RELAY_* env applies either way)")
	issueFlag := flag.String("issue-token", "", "print an HS256 token for this user id and exit")
	deviceFlag := flag.String("device", "", "device id embedded in an issued token")
	ttlFlag := flag.Duration("ttl", 30*24*time.Hour, "lifetime of an issued token")
	flag.Parse()

	if *issueFlag != "" {
		cfg, err := config.LoadRelay(*configFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		token, err := auth.IssueHS256(cfg.JWT.HSSecret, *issueFlag, *deviceFlag, *ttlFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	app := fx.New(
		server.Module(server.Params{ConfigPath: *configFlag}),
	)
	app.Run()
}
