package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/itstheanurag/judgebox/internal/config"
	"github.com/itstheanurag/judgebox/internal/executor"
	"github.com/itstheanurag/judgebox/internal/images"
	"github.com/itstheanurag/judgebox/internal/languages"
	"github.com/itstheanurag/judgebox/internal/sandbox"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	app := &cli.Command{
		Name:  "judgectl",
		Usage: "run submissions in the judgebox sandbox from the command line",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "docker-host", Usage: "docker daemon address", Sources: cli.EnvVars("DOCKER_HOST")},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log sandbox activity"},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.Bool("verbose") {
				logger = logger.Level(zerolog.DebugLevel)
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			runCommand(&logger),
			languagesCommand(),
			reapCommand(&logger),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, errorText(err.Error()))
		os.Exit(1)
	}
}

func runCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "execute a source file",
		ArgsUsage: "<source-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "lang", Aliases: []string{"l"}, Usage: "language id; inferred from the file extension when empty"},
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "file fed to the program on stdin"},
			&cli.StringFlag{Name: "expected", Aliases: []string{"e"}, Usage: "file holding the expected output"},
			&cli.StringSliceFlag{Name: "arg", Aliases: []string{"a"}, Usage: "argument passed to the program, repeatable"},
			&cli.IntFlag{Name: "repeat", Aliases: []string{"n"}, Value: 1, Usage: "number of runs"},
			&cli.BoolFlag{Name: "force-pull", Usage: "pull the image even if present"},
			&cli.BoolFlag{Name: "reuse", Usage: "keep a warm container between repeats"},
			&cli.StringFlag{Name: "image-policy", Value: "fail-fast", Usage: "fail-fast or best-effort"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return cli.Exit("missing source file", 2)
			}
			source, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			registry := languages.NewRegistry()
			lang := cmd.String("lang")
			if lang == "" {
				if lang, err = detectLanguage(registry, path); err != nil {
					return err
				}
			}

			policy, err := images.ParsePolicy(cmd.String("image-policy"))
			if err != nil {
				return err
			}

			sub := executor.Submission{
				Language:    lang,
				Source:      string(source),
				Args:        cmd.StringSlice("arg"),
				RepeatCount: int(cmd.Int("repeat")),
			}
			if cmd.IsSet("force-pull") {
				force := cmd.Bool("force-pull")
				sub.ForcePull = &force
			}
			if p := cmd.String("input"); p != "" {
				data, err := os.ReadFile(p)
				if err != nil {
					return err
				}
				input := string(data)
				sub.InputFile = &input
			}
			if p := cmd.String("expected"); p != "" {
				data, err := os.ReadFile(p)
				if err != nil {
					return err
				}
				expected := string(data)
				sub.ExpectedOutput = &expected
			}

			rt, err := sandbox.NewDockerRuntime(sandbox.DockerConfig{Host: cmd.String("docker-host")}, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			defaults := config.Default().Sandbox
			engine := executor.NewEngine(registry, rt, executor.Config{
				ContainerReuseEnabled: cmd.Bool("reuse"),
				MaxWarmPerLanguage:    1,
				User:                  defaults.User,
				Owner:                 fmt.Sprintf("%s-cli-%d", defaults.Owner, os.Getpid()),
				ImagePolicy:           policy,
				BootGrace:             defaults.BootGrace(),
			}, logger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := engine.Shutdown(shutdownCtx); err != nil {
					logger.Error().Err(err).Msg("failed to clean up containers")
				}
			}()

			res, err := engine.Execute(ctx, sub)
			if err != nil {
				return err
			}
			printResult(os.Stdout, res, sub.ExpectedOutput != nil)

			if sub.ExpectedOutput != nil && !res.OutputMatched {
				return cli.Exit("output did not match", 1)
			}
			return nil
		},
	}
}

func languagesCommand() *cli.Command {
	return &cli.Command{
		Name:  "languages",
		Usage: "list supported languages",
		Action: func(_ context.Context, _ *cli.Command) error {
			printLanguages(os.Stdout, languages.NewRegistry().List())
			return nil
		},
	}
}

func reapCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "reap",
		Usage: "remove containers left behind by a crashed judgebox",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "owner",
				Required: true,
				Usage:    "owner label to match; every container carrying it is removed, so never point it at a live instance",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := sandbox.NewDockerRuntime(sandbox.DockerConfig{Host: cmd.String("docker-host")}, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			engine := executor.NewEngine(languages.NewRegistry(), rt, executor.Config{Owner: cmd.String("owner")}, logger)
			removed, err := engine.ReconcileOrphans(ctx)
			if err != nil {
				return err
			}
			if err := engine.Shutdown(ctx); err != nil {
				return err
			}
			fmt.Printf("removed %s containers\n", okText(fmt.Sprint(removed)))
			return nil
		},
	}
}

func detectLanguage(registry *languages.Registry, path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, p := range registry.List() {
		if strings.ToLower(filepath.Ext(p.SourceFile)) == ext {
			return p.ID, nil
		}
	}
	return "", fmt.Errorf("cannot infer language from %q, pass --lang", path)
}
