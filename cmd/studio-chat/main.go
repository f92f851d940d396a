// Command studio-chat sends one prompt to the Studio chat API and renders
// the assistant reply as it streams in. Ctrl-C stops the reply.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/clay-studio/studio-chat/internal/auth"
	"github.com/clay-studio/studio-chat/internal/chat"
	"github.com/clay-studio/studio-chat/internal/client"
	"github.com/clay-studio/studio-chat/internal/config"
	"github.com/clay-studio/studio-chat/internal/model"
	"github.com/clay-studio/studio-chat/pkg/logger"
)

const (
	exitError     = 1
	exitUsage     = 2
	exitCancelled = 130
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg := config.Load()

	fs := flag.NewFlagSet("studio-chat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	oneShot := fs.Bool("one-shot", false, "use the non-streaming endpoint")
	conversationID := fs.String("conversation", cfg.ConversationID, "conversation to continue (\"new\" starts one)")
	projectID := fs.String("project", cfg.ProjectID, "project the conversation belongs to")
	apiURL := fs.String("api", cfg.APIURL, "base URL of the chat API")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: studio-chat [flags] prompt...\n\nThe prompt is read from stdin when no arguments are given.\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	prompt, err := readPrompt(fs.Args(), stdin)
	if err != nil {
		fmt.Fprintf(stderr, "studio-chat: %v\n", err)
		return exitError
	}
	if prompt == "" {
		fs.Usage()
		return exitUsage
	}

	log, err := logger.New(cfg.LogLevel, "stderr")
	if err != nil {
		fmt.Fprintf(stderr, "failed to create logger: %v\n", err)
		return exitError
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, log)
	}

	token := cfg.Token
	if token == "" {
		token, err = auth.IssueToken(cfg.JWTSecret, cfg.ClientTokenUser, *projectID, cfg.TokenExpiration)
		if err != nil {
			fmt.Fprintf(stderr, "studio-chat: %v\n", err)
			return exitError
		}
	}

	api := client.New(*apiURL,
		client.WithToken(token),
		client.WithRequestTimeout(cfg.RequestTimeout),
		client.WithLogger(log),
	)

	r := &renderer{out: stdout}
	ctrl := chat.NewController(api,
		chat.WithLogger(log),
		chat.WithProjectID(*projectID),
		chat.WithConversationID(*conversationID),
		chat.WithObserver(r.observe),
	)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for range sigs {
			if ctrl.Stop() {
				log.Debug("turn stopped by signal")
			}
		}
	}()

	send := ctrl.Send
	if *oneShot {
		send = ctrl.SendOneShot
	}
	if err := send(context.Background(), prompt); err != nil {
		fmt.Fprintf(stderr, "studio-chat: %v\n", err)
		return exitError
	}

	snap := ctrl.Snapshot()
	r.finish(snap)

	switch snap.Outcome {
	case chat.OutcomeCancelled:
		return exitCancelled
	case chat.OutcomeErrored:
		fmt.Fprintf(stderr, "error: %s\n", snap.Error)
		return exitError
	}

	if reply, ok := lastAssistant(snap.Messages); ok {
		if len(reply.ToolsUsed) > 0 {
			fmt.Fprintf(stderr, "tools used: %s\n", strings.Join(reply.ToolsUsed, ", "))
		}
		if reply.ProcessingTimeMs != nil {
			fmt.Fprintf(stderr, "processing time: %dms\n", *reply.ProcessingTimeMs)
		}
	}
	fmt.Fprintf(stderr, "conversation: %s\n", snap.ConversationID)

	return 0
}

func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(strings.Join(args, " ")), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func serveMetrics(addr string, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics endpoint stopped", zap.String("addr", addr), zap.Error(err))
	}
}

// renderer writes the growing assistant reply to out.
type renderer struct {
	out     io.Writer
	printed string
}

func (r *renderer) observe(s chat.Snapshot) {
	reply, ok := lastAssistant(s.Messages)
	if !ok {
		return
	}

	switch {
	case reply.Content == r.printed:
	case strings.HasPrefix(reply.Content, r.printed):
		io.WriteString(r.out, reply.Content[len(r.printed):])
	default:
		// Replaced rather than extended: start over on a fresh line.
		if r.printed != "" {
			io.WriteString(r.out, "\n")
		}
		io.WriteString(r.out, reply.Content)
	}
	r.printed = reply.Content
}

func (r *renderer) finish(s chat.Snapshot) {
	r.observe(s)
	if r.printed != "" && !strings.HasSuffix(r.printed, "\n") {
		io.WriteString(r.out, "\n")
	}
}

func lastAssistant(msgs []model.Message) (model.Message, bool) {
	if n := len(msgs); n > 0 && msgs[n-1].Role == model.RoleAssistant {
		return msgs[n-1], true
	}
	return model.Message{}, false
}
