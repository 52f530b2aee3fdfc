package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/scriptstream/client"
	"github.com/guseggert/scriptstream/session"
	"github.com/guseggert/scriptstream/stream"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:      "scriptrun",
		Usage:     "runs a script on a scriptd server and prints its output",
		ArgsUsage: "SCRIPT [ARG...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "The base URL of the server.",
				Value:   "http://127.0.0.1:8080",
				EnvVars: []string{"SCRIPTSTREAM_SERVER"},
			},
			&cli.StringFlag{
				Name:    "user",
				Usage:   "The user whose automation credentials are injected into the script.",
				EnvVars: []string{"SCRIPTSTREAM_USER"},
			},
			&cli.StringFlag{
				Name:  "control",
				Usage: "The execution control to run under. Defaults to the script.",
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "One of [http,ws].",
				Value: "http",
			},
			&cli.IntFlag{
				Name:  "retries",
				Usage: "How many times to retry the request on connection errors and 5xx responses.",
				Value: 4,
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "How many results the session keeps, 0 keeps all of them.",
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Wait for the server to be up before running.",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "warn",
				EnvVars: []string{"SCRIPTSTREAM_LOG_LEVEL"},
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() < 1 {
				return errors.New("missing script")
			}
			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			c := client.NewClient(ctx.String("server"),
				client.WithClientLogger(logger),
				client.WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
					r.RetryMax = ctx.Int("retries")
				}),
			)
			execute := c.Execute
			switch t := ctx.String("transport"); t {
			case "http":
			case "ws":
				execute = c.ExecuteWS
			default:
				return fmt.Errorf("unsupported transport %q", t)
			}

			runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if ctx.Bool("wait") {
				if err := c.WaitForServer(runCtx); err != nil {
					return fmt.Errorf("waiting for server: %w", err)
				}
			}

			p := &printer{w: os.Stdout}
			sess := session.New(
				session.WithLogger(logger),
				session.WithLimit(ctx.Int("limit")),
				session.WithOnAppend(p.item),
			)
			req := stream.Request{
				Script:  ctx.Args().First(),
				Args:    ctx.Args().Tail(),
				User:    ctx.String("user"),
				Control: ctx.String("control"),
			}
			err = execute(runCtx, sess, req, client.RecordStats(sess, p.event))
			p.summary(sess.Stats())
			if err != nil {
				return err
			}
			if p.failed {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// printer prints the items and item events of a run as they arrive.
type printer struct {
	w      io.Writer
	failed bool
}

func (p *printer) event(name string, fields map[string]any) {
	switch name {
	case client.EventItemStart, client.EventItemFinished, client.EventItemSkipped:
		fmt.Fprintf(p.w, "[%s] %v\n", name, fields["name"])
	}
}

func (p *printer) item(item session.Item) {
	switch item.Type {
	case stream.TypeImage:
		fmt.Fprintf(p.w, "%-8s <%d bytes>\n", item.Type, len(item.Image))
	case stream.TypeVerdict:
		if item.Success != nil && !*item.Success {
			p.failed = true
		}
		fmt.Fprintf(p.w, "%-8s %s %v\n", "verdict", item.Text, item.Reason)
	default:
		if item.Type == stream.TypeInfo && item.Text == stream.MessageCrashed {
			p.failed = true
		}
		fmt.Fprintf(p.w, "%-8s %s\n", item.Type, item.Text)
	}
}

func (p *printer) summary(stats session.Stats) {
	if stats.Total() == 0 {
		return
	}
	fmt.Fprintf(p.w, "passed %d (%.0f%%), failed %d (%.0f%%), other %d (%.0f%%)\n",
		stats.Passed, stats.PassedPct, stats.Failed, stats.FailedPct, stats.Other, stats.OtherPct)
}
