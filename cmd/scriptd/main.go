package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/scriptstream/credentials"
	"github.com/guseggert/scriptstream/internal/files"
	"github.com/guseggert/scriptstream/runner"
	"github.com/guseggert/scriptstream/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "scriptd",
		Usage: "runs automation scripts on request and streams their output",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on. With port 0 a free port is picked and logged.",
				Value:   "0.0.0.0:8080",
				EnvVars: []string{"SCRIPTSTREAM_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "scripts-dir",
				Usage:   "The directory scripts are resolved against and run in. Defaults to the nearest \"scripts\" dir above the working dir.",
				EnvVars: []string{"SCRIPTSTREAM_SCRIPTS_DIR"},
			},
			&cli.StringFlag{
				Name:    "interpreter",
				Usage:   "Command line to run scripts with, such as \"node\". By default scripts are executed directly.",
				EnvVars: []string{"SCRIPTSTREAM_INTERPRETER"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Usage:   "Maximum wall-clock time of a run.",
				Value:   runner.DefaultTimeout,
				EnvVars: []string{"SCRIPTSTREAM_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"SCRIPTSTREAM_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "credentials",
				Usage:   "Where to find the automation credentials injected into scripts. One of [none,env,secretsmanager].",
				Value:   "none",
				EnvVars: []string{"SCRIPTSTREAM_CREDENTIALS"},
			},
			&cli.StringFlag{
				Name:    "secrets-prefix",
				Usage:   "Prefix of the Secrets Manager secret holding a user's credentials, the secret is named <prefix><user>.",
				Value:   "scriptstream/",
				EnvVars: []string{"SCRIPTSTREAM_SECRETS_PREFIX"},
			},
			&cli.StringFlag{
				Name:    "aws-region",
				Usage:   "The AWS region of the Secrets Manager secrets.",
				Value:   "us-east-1",
				EnvVars: []string{"SCRIPTSTREAM_AWS_REGION", "AWS_REGION"},
			},
			&cli.StringFlag{
				Name:    "username-env",
				Usage:   "The environment variable the username is injected as.",
				Value:   credentials.DefaultUsernameEnv,
				EnvVars: []string{"SCRIPTSTREAM_USERNAME_ENV"},
			},
			&cli.StringFlag{
				Name:    "password-env",
				Usage:   "The environment variable the password is injected as.",
				Value:   credentials.DefaultPasswordEnv,
				EnvVars: []string{"SCRIPTSTREAM_PASSWORD_ENV"},
			},
		},
		Action: func(ctx *cli.Context) error {
			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			scriptsDir := ctx.String("scripts-dir")
			if scriptsDir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("getting working dir: %w", err)
				}
				scriptsDir, err = files.FindUp("scripts", wd)
				if err != nil {
					return fmt.Errorf("finding scripts dir: %w", err)
				}
				if scriptsDir == "" {
					return errors.New("no scripts dir found, set --scripts-dir")
				}
			}

			usernameEnv := ctx.String("username-env")
			passwordEnv := ctx.String("password-env")
			var store credentials.Store
			switch backend := ctx.String("credentials"); backend {
			case "none":
				store = credentials.None{}
			case "env":
				// the server's own copies are read under different names than the ones injected
				store = credentials.Env{UsernameVar: "SCRIPTSTREAM_" + usernameEnv, PasswordVar: "SCRIPTSTREAM_" + passwordEnv}
			case "secretsmanager":
				sm, err := credentials.NewSecretsManager(ctx.String("aws-region"), ctx.String("secrets-prefix"))
				if err != nil {
					return fmt.Errorf("building Secrets Manager store: %w", err)
				}
				store = sm
			default:
				return fmt.Errorf("unsupported credentials %q", backend)
			}

			s, err := server.New(
				server.WithLogger(logger),
				server.WithListenAddr(ctx.String("listen-addr")),
				server.WithScriptsDir(scriptsDir),
				server.WithInterpreter(ctx.String("interpreter")),
				server.WithTimeout(ctx.Duration("timeout")),
				server.WithCredentials(store),
				server.WithCredentialEnv(usernameEnv, passwordEnv),
			)
			if err != nil {
				return fmt.Errorf("building server: %w", err)
			}

			sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-sigCtx.Done()
				logger.Info("shutting down")
				if err := s.Stop(); err != nil {
					logger.Sugar().Warnw("error stopping server", "Error", err)
				}
			}()

			start := time.Now()
			err = s.Run()
			logger.Sugar().Infow("server stopped", "Uptime", time.Since(start))
			return err
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
