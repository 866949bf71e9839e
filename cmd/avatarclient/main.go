// Command avatarclient runs the conversational audio pipeline headless:
// it connects to the tutoring backend, accumulates and plays bot speech,
// and drives the lip-sync signal for a render layer to consume.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lingopod/avatarclient/internal/app"
	"github.com/lingopod/avatarclient/internal/config"
	"github.com/lingopod/avatarclient/internal/logging"
)

func main() {
	syslog, err := logging.New(nil)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer syslog.Close()

	zlogger := syslog.Zerolog()
	mainLog := syslog.Component("main")
	mainLog.Info().Msg("avatarclient starting")

	cfg, err := config.Load()
	if err != nil {
		mainLog.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.DefaultConfig()
	}
	mainLog.Info().
		Str("server", cfg.Server.WebSocketURL).
		Str("template", cfg.User.Template).
		Str("language", cfg.User.Language).
		Msg("Configuration loaded")

	engine, err := app.New(cfg, zlogger, nil)
	if err != nil {
		mainLog.Error().Err(err).Msg("Failed to assemble engine")
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go repl(engine, sigCh)

	sig := <-sigCh
	mainLog.Info().Str("signal", sig.String()).Msg("Shutting down")
}

// repl reads line commands from stdin so the pipeline can be driven
// without a render layer attached.
func repl(engine *app.Engine, quit chan<- os.Signal) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: start | end | say <text> | translate <id> | feedback <id> | replay <id> | stop | quit")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		cmd, arg, _ := strings.Cut(line, " ")
		var err error
		switch cmd {
		case "":
			continue
		case "start":
			err = engine.Sender.StartConversation()
		case "end":
			err = engine.Sender.EndConversation()
		case "say":
			var id string
			if id, err = engine.Sender.SendText(arg); err == nil {
				fmt.Printf("sent %s\n", id)
			}
		case "translate":
			err = engine.Sender.RequestTranslation(arg)
		case "feedback":
			err = engine.Sender.RequestFeedback(arg)
		case "replay":
			err = engine.Replay(arg)
		case "stop":
			engine.Interrupt()
		case "quit":
			quit <- syscall.SIGTERM
			return
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}
