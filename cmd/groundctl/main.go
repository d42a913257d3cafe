package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"groundchat/internal/app"
	"groundchat/internal/chunker"
	"groundchat/internal/config"
	"groundchat/internal/documents"
	"groundchat/internal/stream"
	"groundchat/internal/usertoken"
	"groundchat/internal/util"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(out io.Writer) *cli.App {
	userFlag := &cli.StringFlag{
		Name:    "user",
		Aliases: []string{"u"},
		Usage:   "Owner id to act as",
		Value:   "local",
		EnvVars: []string{"GROUNDCHAT_USER"},
	}
	return &cli.App{
		Name:      "groundctl",
		Usage:     "Operate a groundchat deployment from the command line",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config.yaml",
				EnvVars: []string{"GROUNDCHAT_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "warn",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:      "ingest",
				Usage:     "Upload a local file, or register a URL or stored key, and index it",
				ArgsUsage: "<file|url|key>",
				Action:    ingestCommand,
				Flags: []cli.Flag{
					userFlag,
					&cli.StringFlag{Name: "description", Aliases: []string{"d"}, Usage: "Document description"},
					&cli.StringFlag{Name: "filename", Usage: "Filename override when registering a URL or key"},
				},
			},
			{
				Name:   "list",
				Usage:  "List documents",
				Action: listCommand,
				Flags:  []cli.Flag{userFlag},
			},
			{
				Name:      "delete",
				Usage:     "Delete a document and its indexed chunks",
				ArgsUsage: "<document-id>",
				Action:    deleteCommand,
				Flags:     []cli.Flag{userFlag},
			},
			{
				Name:      "ask",
				Usage:     "Ask a question in a chat and stream the answer",
				ArgsUsage: "<question>",
				Action:    askCommand,
				Flags: []cli.Flag{
					userFlag,
					&cli.StringFlag{Name: "chat", Usage: "Chat id; a new chat is created when empty"},
				},
			},
			{
				Name:      "split",
				Usage:     "Preview how a text file is chunked",
				ArgsUsage: "<file|->",
				Action:    splitCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "size", Usage: "Chunk size in characters", Value: chunker.DefaultSize},
					&cli.IntFlag{Name: "overlap", Usage: "Characters shared by consecutive chunks", Value: chunker.DefaultOverlap},
				},
			},
			{
				Name:   "token",
				Usage:  "Issue an HS256 access token for local testing",
				Action: tokenCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Aliases: []string{"s"}, Usage: "User id to embed", Required: true},
					&cli.StringFlag{Name: "secret", Usage: "Shared HMAC secret", EnvVars: []string{"AUTH_HMAC_SECRET"}, Required: true},
					&cli.StringFlag{Name: "issuer", Usage: "Token issuer"},
					&cli.StringFlag{Name: "audience", Usage: "Token audience"},
					&cli.DurationFlag{Name: "ttl", Usage: "Token lifetime", Value: time.Hour},
				},
			},
		},
	}
}

func setupLogger(c *cli.Context) error {
	level := strings.ToLower(c.String("log-level"))
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", level)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: util.ParseLevel(level)}))
	slog.SetDefault(logger)
	return nil
}

// loadApp builds the full application from config. Callers must Close it.
func loadApp(c *cli.Context) (*app.App, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	return app.New(c.Context, cfg, slog.Default())
}

func ingestCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("exactly one file, url or key is required")
	}
	target := c.Args().First()
	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	user := c.String("user")
	f, openErr := os.Open(target)
	switch {
	case openErr == nil:
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		d, err := a.Documents.Upload(c.Context, user, filepath.Base(target), f, info.Size(), c.String("description"))
		printDocumentResult(c.App.Writer, d.ID, string(d.Status), d.Chunks, err)
		return err
	case errors.Is(openErr, os.ErrNotExist):
		d, err := a.Documents.Register(c.Context, user, documents.RegisterRequest{
			Source:      target,
			Filename:    c.String("filename"),
			Description: c.String("description"),
		})
		printDocumentResult(c.App.Writer, d.ID, string(d.Status), d.Chunks, err)
		return err
	default:
		return openErr
	}
}

func printDocumentResult(w io.Writer, id, status string, chunks int, err error) {
	if id == "" {
		return
	}
	fmt.Fprintf(w, "document %s: %s (%d chunks)\n", id, status, chunks)
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
	}
}

func listCommand(c *cli.Context) error {
	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()
	docs, err := a.Documents.List(c.Context, c.String("user"))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILENAME\tSTATUS\tCHUNKS\tUPDATED")
	for _, d := range docs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", d.ID, d.Filename, d.Status, d.Chunks, d.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func deleteCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("a document id is required")
	}
	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()
	n, err := a.Documents.Delete(c.Context, c.String("user"), c.Args().First())
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "deleted %s (%d chunks)\n", c.Args().First(), n)
	return nil
}

func askCommand(c *cli.Context) error {
	question := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if question == "" {
		return errors.New("a question is required")
	}
	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	user := c.String("user")
	chatID := c.String("chat")
	if chatID == "" {
		chat, err := a.Conversations.CreateChat(ctx, user)
		if err != nil {
			return err
		}
		chatID = chat.ID
		fmt.Fprintf(c.App.ErrWriter, "chat %s\n", chatID)
	}
	sess, err := a.Conversations.Submit(ctx, user, chatID, question)
	if err != nil {
		return err
	}
	var failure error
	for ev := range sess.Events(ctx) {
		switch ev.Kind {
		case stream.EventToken:
			fmt.Fprint(c.App.Writer, ev.Data)
		case stream.EventError:
			failure = errors.New(ev.Data)
		}
	}
	fmt.Fprintln(c.App.Writer)
	if ctx.Err() != nil {
		sess.Cancel()
	}
	a.Conversations.Wait()
	return failure
}

func splitCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("a file path or - is required")
	}
	var r io.Reader = os.Stdin
	if name := c.Args().First(); name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	chunks, err := chunker.Split(string(data), c.Int("size"), c.Int("overlap"))
	if err != nil {
		return err
	}
	i := 0
	for chunk := range chunks {
		fmt.Fprintf(c.App.Writer, "--- chunk %d (%d chars) ---\n%s\n", i, len([]rune(chunk)), chunk)
		i++
	}
	return nil
}

func tokenCommand(c *cli.Context) error {
	v, err := usertoken.NewVerifier(usertoken.Config{
		HMACSecret: c.String("secret"),
		Issuer:     c.String("issuer"),
		Audience:   c.String("audience"),
	})
	if err != nil {
		return err
	}
	token, err := v.Issue(c.String("subject"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}
