package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"pulsewire/internal/app"
	"pulsewire/internal/config"
	"pulsewire/internal/history"
	"pulsewire/internal/publish"
	"pulsewire/internal/runstatus"
	"pulsewire/internal/session"
	"pulsewire/internal/transport"
)

var BuildVersion = "dev"

const usageText = `usage: pulsewire [options] <command> [command options]

commands:
  publish    publish one message to a channel
  subscribe  run the subscribe daemon against a profile
  history    fetch stored messages from a channel
`

func main() {
	rootCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	opts, rest, err := config.ParseOptions(os.Args[1:])
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			fmt.Print(usageText)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if len(rest) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	logger, err := buildLogger(opts.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(2)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := config.ValidateRequired(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	endpoints, err := config.EndpointsFrom(opts.Origin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	client := transport.New(&http.Client{Timeout: 30 * time.Second}, transport.Keys{
		SubscribeKey: opts.SubscribeKey,
		PublishKey:   opts.PublishKey,
		AuthToken:    opts.AuthToken,
	}, endpoints, logger)

	command, commandArgs := rest[0], rest[1:]
	switch command {
	case "publish":
		os.Exit(runPublish(rootCtx, client, logger, commandArgs))
	case "subscribe":
		os.Exit(runSubscribe(rootCtx, opts, client, logger, commandArgs))
	case "history":
		os.Exit(runHistory(rootCtx, client, logger, commandArgs))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", command, usageText)
		os.Exit(2)
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

type publishOptions struct {
	Channel      string `short:"c" long:"channel" description:"Target channel"`
	Message      string `short:"m" long:"message" description:"Message payload (JSON or plain text)"`
	Meta         string `long:"meta" description:"Metadata object (JSON)"`
	TTL          string `long:"ttl" description:"Message TTL in hours"`
	CustomType   string `long:"type" description:"Custom message type"`
	Post         bool   `long:"post" description:"Send via POST body instead of query encoding"`
	NoStore      bool   `long:"no-store" description:"Do not persist the message in history"`
	AuthOverride string `long:"auth-override" description:"One-shot auth token for this publish only"`
}

func runPublish(ctx context.Context, client *transport.Client, logger *zap.Logger, args []string) int {
	cmdOpts := publishOptions{}
	if _, err := flags.ParseArgs(&cmdOpts, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	pipeline := publish.Pipeline{
		Publish: client.Publish,
		Tokens:  client,
		Logger:  logger,
	}
	result := pipeline.Run(ctx, publish.Request{
		Channel:            cmdOpts.Channel,
		Message:            cmdOpts.Message,
		Meta:               cmdOpts.Meta,
		TTLHours:           cmdOpts.TTL,
		CustomType:         cmdOpts.CustomType,
		StoreInHistory:     !cmdOpts.NoStore,
		SendByPost:         cmdOpts.Post,
		TransientAuthToken: cmdOpts.AuthOverride,
	})
	if !result.Success {
		fmt.Fprintf(os.Stderr, "%s: %s\n", result.Class.Title, result.Class.Description)
		if result.Err != "" {
			fmt.Fprintln(os.Stderr, result.Err)
		}
		return 1
	}
	fmt.Printf("published to %s: timetoken %s (%d attempt(s), %s)\n",
		result.Request.Channel, result.Timetoken, result.Attempts, result.Duration.Round(time.Millisecond))
	return 0
}

type subscribeOptions struct {
	Profile       string `long:"profile" description:"Subscription profile file (overrides the global option)"`
	AutoReconnect bool   `long:"auto-reconnect" description:"Automatically re-subscribe after configuration drift"`
	QuietWindowMS int    `long:"quiet-window" description:"Drift re-subscribe quiet window in milliseconds"`
}

func runSubscribe(ctx context.Context, opts config.Options, client *transport.Client, logger *zap.Logger, args []string) int {
	cmdOpts := subscribeOptions{}
	if _, err := flags.ParseArgs(&cmdOpts, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	profilePath := cmdOpts.Profile
	if profilePath == "" {
		profilePath = opts.Profile
	}
	if strings.TrimSpace(profilePath) == "" {
		fmt.Fprintln(os.Stderr, "subscribe requires a profile file (--profile)")
		return 2
	}

	lock, lockedByOther, lockErr := acquireInstanceLock()
	if lockErr != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize single-instance lock:", lockErr)
		return 2
	}
	if lockedByOther {
		fmt.Fprintln(os.Stderr, "a pulsewire subscribe daemon is already running")
		return 1
	}
	defer func() {
		_ = lock.Release()
	}()

	runner := app.New(app.Settings{
		ProfilePath:      profilePath,
		HeartbeatSeconds: opts.Heartbeat,
		SubscribeKey:     opts.SubscribeKey,
		Factory: func(sessionOpts session.Options) (session.Set, error) {
			return transport.NewSubscriptionSet(client, sessionOpts, logger), nil
		},
		Reconnect: session.ReconnectPolicy{
			Auto:        cmdOpts.AutoReconnect,
			QuietWindow: time.Duration(cmdOpts.QuietWindowMS) * time.Millisecond,
		},
		Hooks: app.Callbacks{
			OnMessage: func(ev session.MessageEvent) {
				fmt.Printf("[%s] %s %s\n", ev.Timetoken, ev.Channel, string(ev.Payload))
			},
			OnPresence: func(ev session.PresenceEvent) {
				fmt.Printf("[%s] %s presence: %s %s (occupancy %d)\n",
					ev.Timetoken, ev.Channel, ev.Action, ev.UUID, ev.Occupancy)
			},
			OnDrift: func(notice session.DriftNotice) {
				fmt.Printf("%s: %s (%s)\n",
					notice.Class.Title, notice.Class.Description, strings.Join(notice.Changed, ", "))
			},
			OnStatusChange: func(status string) {
				fmt.Printf("status: %s\n", runstatus.Key(status))
			},
		},
		Logger: logger,
	})

	fmt.Printf("pulsewire %s subscribe daemon, profile %s\n", BuildVersion, profilePath)
	if err := runner.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

type historyOptions struct {
	Channel  string `short:"c" long:"channel" description:"Channel to read history from"`
	At       string `long:"at" description:"Fetch the single message at this timetoken"`
	Start    string `long:"start" description:"Range start timetoken (inclusive upper bound)"`
	End      string `long:"end" description:"Range end timetoken"`
	FromDate string `long:"from-date" description:"Lower datetime bound, yyyy-MM-dd"`
	FromTime string `long:"from-time" description:"Lower datetime bound, HH:mm:ss:SSS"`
	ToDate   string `long:"to-date" description:"Upper datetime bound, yyyy-MM-dd"`
	ToTime   string `long:"to-time" description:"Upper datetime bound, HH:mm:ss:SSS"`
	Max      int    `long:"max" description:"Maximum rows to fetch"`
	Delete   bool   `long:"delete" description:"Delete the inclusive --start/--end token range instead of fetching it"`
}

func runHistory(ctx context.Context, client *transport.Client, logger *zap.Logger, args []string) int {
	cmdOpts := historyOptions{}
	if _, err := flags.ParseArgs(&cmdOpts, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if cmdOpts.Delete {
		if cmdOpts.Channel == "" || cmdOpts.Start == "" || cmdOpts.End == "" {
			fmt.Fprintln(os.Stderr, "history --delete requires --channel, --start, and --end")
			return 2
		}
		start, end, err := history.DeleteBounds(cmdOpts.Start, cmdOpts.End)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		if err := client.DeleteMessages(ctx, cmdOpts.Channel, start, end); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("deleted %s range [%s, %s]\n", cmdOpts.Channel, cmdOpts.Start, cmdOpts.End)
		return 0
	}

	query := history.Query{
		Channel:    cmdOpts.Channel,
		AtToken:    cmdOpts.At,
		StartToken: cmdOpts.Start,
		EndToken:   cmdOpts.End,
		StartDate:  cmdOpts.FromDate,
		StartTime:  cmdOpts.FromTime,
		EndDate:    cmdOpts.ToDate,
		EndTime:    cmdOpts.ToTime,
		MaxRows:    cmdOpts.Max,
	}
	switch {
	case cmdOpts.At != "":
		query.Strategy = history.StrategyAt
	case cmdOpts.Start != "" || cmdOpts.End != "":
		query.Strategy = history.StrategyRange
	case cmdOpts.FromDate != "" || cmdOpts.FromTime != "" || cmdOpts.ToDate != "" || cmdOpts.ToTime != "":
		query.Strategy = history.StrategyDateTime
	default:
		query.Strategy = history.StrategyNone
	}

	paginator := history.Paginator{
		Fetch: client.HistoryPage,
		Progress: func(fetched, limit int) {
			fmt.Fprintf(os.Stderr, "fetched %d/%d rows\n", fetched, limit)
		},
		Logger: logger,
	}
	items, err := paginator.FetchAll(ctx, query)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	for _, item := range items {
		line := map[string]any{
			"timetoken": item.Timetoken,
			"channel":   item.Channel,
			"message":   json.RawMessage(item.Message),
		}
		if item.Publisher != "" {
			line["publisher"] = item.Publisher
		}
		if len(item.Meta) > 0 {
			line["meta"] = json.RawMessage(item.Meta)
		}
		encoded, encodeErr := json.Marshal(line)
		if encodeErr != nil {
			fmt.Fprintln(os.Stderr, "encode history row:", encodeErr)
			return 1
		}
		fmt.Println(string(encoded))
	}
	fmt.Fprintf(os.Stderr, "%d row(s)\n", len(items))
	return 0
}
