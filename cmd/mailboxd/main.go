// Mailboxd: shared call mailbox server.
//
// Both peers of a call connect to /ws and use it as their mailbox. The
// records themselves live in memory, a SQLite file or redis.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/1ureka/duet/internal/app"
	"github.com/1ureka/duet/internal/config"
	"github.com/1ureka/duet/internal/signaling"
	"github.com/1ureka/duet/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		util.LogError("failed to load configuration: %v", err)
		os.Exit(1)
	}

	addr := flag.String("addr", "127.0.0.1:8790", "Listen address")
	listenAll := flag.Bool("listen", false, "Listen on all network interfaces (for LAN access)")
	backend := flag.String("backend", string(config.BackendMemory), "Record storage: memory, sqlite or redis")
	sqlitePath := flag.String("db", cfg.SQLitePath, "Database file (sqlite backend)")
	redisAddr := flag.String("redis", cfg.RedisAddr, "Redis address (redis backend)")
	debugMode := flag.Bool("debug", cfg.Debug, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	cfg.Backend = config.Backend(*backend)
	cfg.SQLitePath = *sqlitePath
	cfg.RedisAddr = *redisAddr
	if cfg.Backend == config.BackendRemote {
		util.LogError("the mailbox server cannot use another mailbox server as its backend")
		os.Exit(1)
	}

	listen := *addr
	if *listenAll {
		_, port, err := net.SplitHostPort(listen)
		if err != nil {
			util.LogError("invalid -addr: %v", err)
			os.Exit(1)
		}
		listen = ":" + port
	}

	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer closeStore()

	server := signaling.NewServer(store)
	bound, err := server.Start(listen)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer server.Close()

	pterm.Info.Println(fmt.Sprintf("Mailboxd v%s", version))
	pterm.DefaultBox.WithTitle("Call Mailbox Server").Println(fmt.Sprintf(
		"Address : %s\nBackend : %s\nPeers   : ws://%s/ws", bound, cfg.Backend, bound))

	<-ctx.Done()
	util.LogInfo("shutting down with %d connected peer(s)", server.ConnCount())
}
