// Duet: CLI entry point.
//
// This tool joins one side of a peer-to-peer audio/video call. The two peers
// never talk to each other directly until the media path is up: offers,
// answers and connectivity candidates travel through a shared mailbox
// (in-memory, SQLite file, redis, or the mailboxd websocket server).
//
// It can be launched interactively (no -role flag) or non-interactively via
// CLI flags (-role, -call, -user, -mailbox, ...). Flags override DUET_*
// environment variables and the .env file.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/1ureka/duet/internal/app"
	"github.com/1ureka/duet/internal/config"
	"github.com/1ureka/duet/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		util.LogError("failed to load configuration: %v", err)
		os.Exit(1)
	}

	// CLI flags.
	role := flag.String("role", string(cfg.Role), "Role: initiator or receiver")
	callID := flag.String("call", cfg.CallID, "Call id shared by both peers")
	userID := flag.String("user", cfg.UserID, "Local user id (random when empty)")
	backend := flag.String("mailbox", string(cfg.Backend), "Mailbox backend: memory, sqlite, redis or ws")
	mailboxURL := flag.String("mailboxUrl", cfg.MailboxURL, "Mailbox server URL (ws backend)")
	sqlitePath := flag.String("db", cfg.SQLitePath, "Mailbox database file (sqlite backend)")
	redisAddr := flag.String("redis", cfg.RedisAddr, "Redis address (redis backend)")
	video := flag.Bool("video", cfg.Video, "Send video")
	audio := flag.Bool("audio", cfg.Audio, "Send audio")
	devices := flag.Bool("devices", cfg.Devices, "Capture real camera/microphone")
	purge := flag.Bool("purge", cfg.Purge, "Delete the call record after hangup")
	debugMode := flag.Bool("debug", cfg.Debug, "Enable debug logging")
	flag.Parse()

	cfg.Role = config.Role(*role)
	cfg.CallID = *callID
	cfg.UserID = *userID
	cfg.Backend = config.Backend(*backend)
	cfg.MailboxURL = *mailboxURL
	cfg.SQLitePath = *sqlitePath
	cfg.RedisAddr = *redisAddr
	cfg.Audio = *audio
	cfg.Video = *video
	cfg.Devices = *devices
	cfg.Purge = *purge
	cfg.Debug = *debugMode

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Duet v%s", version))
	pterm.Println()

	if cfg.Role == "" {
		// No role → interactive mode.
		askInteractive(cfg)
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}

	if cfg.Backend == config.BackendRemote {
		wsURL, err := normalizeWSURL(cfg.MailboxURL)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.MailboxURL = wsURL
	}

	if err := app.Run(ctx, cfg); err != nil {
		util.LogError("call ended with error: %v", err)
		os.Exit(1)
	}

	util.LogInfo("call %s closed", cfg.CallID)
}

// ---------------------------------------------------------------------------
// Interactive prompts
// ---------------------------------------------------------------------------

// askInteractive fills in the role, call id and mailbox when no -role flag
// is provided.
func askInteractive(cfg *config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Initiator - Start the call", "Receiver  - Answer the call"}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	if strings.HasPrefix(role, "Initiator") {
		cfg.Role = config.RoleInitiator
	} else {
		cfg.Role = config.RoleReceiver
	}

	if cfg.CallID == "" {
		cfg.CallID = askText("Call id (shared by both peers)")
	}

	if cfg.Backend == config.BackendRemote {
		cfg.MailboxURL = askURL()
	}
}

// askText prompts until a non-empty value is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}

		util.LogWarning("value must not be empty")
		pterm.Println()
	}
}

// askURL prompts the user for a valid mailbox URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Mailbox URL (e.g. ws://127.0.0.1:8790/ws)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// normalizeWSURL validates and normalizes a raw WebSocket URL string.
// Plain hosts and http(s) URLs map to wss, and the path is always /ws.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
