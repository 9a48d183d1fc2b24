package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/intersystems-community/iris-devtester/internal/config"
	"github.com/intersystems-community/iris-devtester/internal/diagnostics"
	"github.com/intersystems-community/iris-devtester/internal/dockergateway"
	"github.com/intersystems-community/iris-devtester/internal/healthcheck"
	"github.com/intersystems-community/iris-devtester/internal/lifecycle"
	"github.com/intersystems-community/iris-devtester/internal/logger"
	"github.com/intersystems-community/iris-devtester/internal/portregistry"
	"github.com/intersystems-community/iris-devtester/internal/progress"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: failed to load .env: %v", err)
	}

	app := &cli.App{
		Name:    "irisdevtester",
		Usage:   "Manage local IRIS database containers for development and testing",
		Version: lifecycle.ToolVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "docker-host",
				Usage:   "Docker engine endpoint",
				Value:   "unix:///var/run/docker.sock",
				EnvVars: []string{"IRISDEVTESTER_DOCKER_HOST"},
			},
			&cli.StringFlag{
				Name:    "registry-dir",
				Usage:   "Directory the port registry persists its state to",
				Value:   defaultRegistryDir(),
				EnvVars: []string{"IRISDEVTESTER_REGISTRY_DIR"},
			},
		},
		Commands: []*cli.Command{
			upCommand(),
			startCommand(),
			stopCommand(),
			restartCommand(),
			removeCommand(),
			statusCommand(),
			logsCommand(),
			attachCommand(),
			portsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(renderError(err))
	}
}

func defaultRegistryDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".irisdevtester"
	}
	return home + "/.irisdevtester"
}

// renderError formats a diagnostics.Error into its four documented
// parts; everything else falls back to err.Error(). This is the one
// place in the module allowed to produce human-facing text from an
// error value.
func renderError(err error) string {
	var diag *diagnostics.Error
	if !diagnostics.As(err, &diag) {
		return err.Error()
	}
	msg := fmt.Sprintf("%s: %s\n  remediation: %s\n  reference: %s", diag.Kind, diag.Symptom, diag.Remediation, diag.Reference)
	for k, v := range diag.Context {
		msg += fmt.Sprintf("\n  %s: %s", k, v)
	}
	return msg
}

// buildLifecycle wires DockerGateway, PortRegistry, and HealthChecker
// into a Lifecycle using the app-wide flags. Every command owns the
// Engine it creates and closes it before returning.
func buildLifecycle(c *cli.Context) (*lifecycle.Lifecycle, *dockergateway.Engine, error) {
	engine, err := dockergateway.NewEngine(dockergateway.ClientOptions{
		Host: c.String("docker-host"),
	})
	if err != nil {
		return nil, nil, err
	}
	ports := portregistry.New(c.String("registry-dir"), engine)
	checker := healthcheck.New(engine)
	return lifecycle.New(engine, ports, checker, "iris_"), engine, nil
}

func progressLogger(ctx context.Context) progress.Emitter {
	l := logger.GetLogger(ctx)
	return progress.EmitterFunc(func(evt progress.Event) {
		switch evt.Kind {
		case progress.KindError:
			l.Error(evt.Message, zap.String("reference", evt.Diagnostic.Reference))
		case progress.KindWarning:
			l.Warn(evt.Message, zap.Error(evt.Cause))
		default:
			l.Info(evt.Message, zap.String("kind", string(evt.Kind)))
		}
	})
}

// configFromFlags builds a ContainerConfig from CLI flags, then runs it
// through ApplyEnvDefaults so the IRISDEVTESTER_* environment variables
// config/env.go documents are honored uniformly whether a value arrived via
// flag, urfave/cli's own EnvVars binding, or neither — ApplyEnvDefaults
// only fills fields still zero after both.
func configFromFlags(c *cli.Context) config.ContainerConfig {
	cfg := config.ContainerConfig{
		Edition:       config.Edition(c.String("edition")),
		ContainerName: c.String("name"),
		PrimaryPort:   c.Int("port"),
		WebPort:       c.Int("web-port"),
		Namespace:     c.String("namespace"),
		Password:      c.String("password"),
		LicenseKey:    c.String("license-key"),
		ImageTag:      c.String("image-tag"),
		ImageRef:      c.String("image-ref"),
		ProjectPath:   c.String("project-path"),
	}
	cfg = config.ApplyEnvDefaults(cfg)
	return cfg.WithDefaults()
}

func configFlags() []cli.Flag {
	wd, _ := os.Getwd()
	return []cli.Flag{
		&cli.StringFlag{Name: "edition", Value: string(config.EditionCommunity), Usage: "community or enterprise", EnvVars: []string{config.EnvEdition}},
		&cli.StringFlag{Name: "name", Value: config.DefaultContainerName, Usage: "container name"},
		&cli.IntFlag{Name: "port", Value: config.DefaultPrimaryPort, Usage: "preferred host port for the primary superserver port", EnvVars: []string{config.EnvPrimaryPort}},
		&cli.IntFlag{Name: "web-port", Value: config.DefaultWebPort, Usage: "host port for the management portal"},
		&cli.StringFlag{Name: "namespace", Value: config.DefaultNamespace, Usage: "default namespace"},
		&cli.StringFlag{Name: "password", Value: config.DefaultPassword, Usage: "initial _SYSTEM/SuperUser password", EnvVars: []string{"IRISDEVTESTER_PASSWORD"}},
		&cli.StringFlag{Name: "license-key", Usage: "license key (required for enterprise edition)", EnvVars: []string{config.EnvLicenseKey}},
		&cli.StringFlag{Name: "image-tag", Value: config.DefaultImageTag, Usage: "image tag to pull", EnvVars: []string{config.EnvImageTag}},
		&cli.StringFlag{Name: "image-ref", Usage: "full image reference, overrides edition/image-tag resolution entirely", EnvVars: []string{config.EnvImageRef}},
		&cli.StringFlag{Name: "project-path", Value: wd, Usage: "project directory used as the port registry key"},
	}
}

func upCommand() *cli.Command {
	return &cli.Command{
		Name:  "up",
		Usage: "Create (or resume) the container and wait for it to become healthy",
		Flags: configFlags(),
		Action: func(c *cli.Context) error {
			ctx, _ := rootContext()
			lc, engine, err := buildLifecycle(c)
			if err != nil {
				return err
			}
			defer engine.Close()

			cfg := configFromFlags(c)
			if err := cfg.Validate(); err != nil {
				return err
			}

			result, err := lc.Up(ctx, cfg, cfg.ProjectPath, progressLogger(ctx))
			if err != nil {
				return err
			}
			fmt.Printf("%s: container=%s host-port=%d health=%s\n",
				result.Outcome, result.ContainerID, result.Port.Port, result.Health.Status)
			return nil
		},
	}
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start a previously-created container, recreating it if necessary",
		Flags: configFlags(),
		Action: func(c *cli.Context) error {
			ctx, _ := rootContext()
			lc, engine, err := buildLifecycle(c)
			if err != nil {
				return err
			}
			defer engine.Close()

			cfg := configFromFlags(c)
			if err := cfg.Validate(); err != nil {
				return err
			}

			result, err := lc.Start(ctx, cfg, cfg.ProjectPath, progressLogger(ctx))
			if err != nil {
				return err
			}
			fmt.Printf("%s: container=%s health=%s\n", result.Outcome, result.ContainerID, result.Health.Status)
			return nil
		},
	}
}

func stopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "Stop a running container, leaving its port assignment intact",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Value: config.DefaultContainerName, Usage: "container name"},
			&cli.IntFlag{Name: "grace-seconds", Value: dockergateway.DefaultStopGraceSeconds, Usage: "seconds to wait before SIGKILL"},
		},
		Action: func(c *cli.Context) error {
			ctx, _ := rootContext()
			lc, engine, err := buildLifecycle(c)
			if err != nil {
				return err
			}
			defer engine.Close()

			result, err := lc.Stop(ctx, c.String("name"), c.Int("grace-seconds"))
			if err != nil {
				return err
			}
			fmt.Printf("%s: container=%s\n", result.Outcome, result.ContainerID)
			return nil
		},
	}
}

func restartCommand() *cli.Command {
	return &cli.Command{
		Name:  "restart",
		Usage: "Stop then start the container, waiting for it to become healthy again",
		Flags: configFlags(),
		Action: func(c *cli.Context) error {
			ctx, _ := rootContext()
			lc, engine, err := buildLifecycle(c)
			if err != nil {
				return err
			}
			defer engine.Close()

			cfg := configFromFlags(c)
			if err := cfg.Validate(); err != nil {
				return err
			}

			result, err := lc.Restart(ctx, cfg, cfg.ProjectPath, progressLogger(ctx))
			if err != nil {
				return err
			}
			fmt.Printf("%s: container=%s health=%s\n", result.Outcome, result.ContainerID, result.Health.Status)
			return nil
		},
	}
}

func removeCommand() *cli.Command {
	return &cli.Command{
		Name:  "remove",
		Usage: "Remove the container and release its port assignment",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Value: config.DefaultContainerName, Usage: "container name"},
			&cli.StringFlag{Name: "project-path", Usage: "project directory used as the port registry key"},
			&cli.BoolFlag{Name: "force", Usage: "remove even if the container is running"},
			&cli.BoolFlag{Name: "remove-volumes", Usage: "also remove anonymous volumes"},
		},
		Action: func(c *cli.Context) error {
			ctx, _ := rootContext()
			lc, engine, err := buildLifecycle(c)
			if err != nil {
				return err
			}
			defer engine.Close()

			projectPath := c.String("project-path")
			if projectPath == "" {
				projectPath, _ = os.Getwd()
			}

			result, err := lc.Remove(ctx, projectPath, c.String("name"), c.Bool("force"), c.Bool("remove-volumes"))
			if err != nil {
				return err
			}
			fmt.Printf("%s: container=%s\n", result.Outcome, result.ContainerID)
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print the container's current state and health",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Value: config.DefaultContainerName, Usage: "container name"},
		},
		Action: func(c *cli.Context) error {
			ctx, _ := rootContext()
			lc, engine, err := buildLifecycle(c)
			if err != nil {
				return err
			}
			defer engine.Close()

			state, health, err := lc.Status(ctx, c.String("name"), config.DefaultPrimaryPort)
			if err != nil {
				return err
			}
			fmt.Printf("phase=%s health=%s latency=%dms image=%s\n", state.Phase, health.Status, health.LatencyMs, state.Image)
			return nil
		},
	}
}

func logsCommand() *cli.Command {
	return &cli.Command{
		Name:  "logs",
		Usage: "Stream the container's log output",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Value: config.DefaultContainerName, Usage: "container name"},
			&cli.BoolFlag{Name: "follow", Aliases: []string{"f"}, Usage: "keep streaming new lines"},
			&cli.IntFlag{Name: "tail", Value: 100, Usage: "number of historical lines to include"},
		},
		Action: func(c *cli.Context) error {
			ctx, _ := rootContext()
			lc, engine, err := buildLifecycle(c)
			if err != nil {
				return err
			}
			defer engine.Close()

			lines, err := lc.Logs(ctx, c.String("name"), time.Time{}, c.Bool("follow"), c.Int("tail"))
			if err != nil {
				return err
			}
			for line := range lines {
				fmt.Println(line)
			}
			return nil
		},
	}
}

func attachCommand() *cli.Command {
	return &cli.Command{
		Name:  "attach",
		Usage: "Bind to an out-of-band container without taking over its lifecycle",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Value: config.DefaultContainerName, Usage: "container name"},
		},
		Action: func(c *cli.Context) error {
			ctx, _ := rootContext()
			lc, engine, err := buildLifecycle(c)
			if err != nil {
				return err
			}
			defer engine.Close()

			handle, err := lc.Attach(ctx, c.String("name"), config.DefaultPrimaryPort)
			if err != nil {
				return err
			}
			state, health, err := handle.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("attached: phase=%s health=%s\n", state.Phase, health.Status)
			return nil
		},
	}
}

func portsCommand() *cli.Command {
	return &cli.Command{
		Name:  "ports",
		Usage: "Inspect or maintain the port registry",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List every tracked port assignment",
				Action: func(c *cli.Context) error {
					ctx, _ := rootContext()
					reg := portregistry.New(c.String("registry-dir"), nil)
					assignments, err := reg.List(ctx)
					if err != nil {
						return err
					}
					for _, a := range assignments {
						fmt.Printf("%-6d %-10s %-12s %s\n", a.Port, a.Status, a.Kind, a.ProjectPath)
					}
					return nil
				},
			},
			{
				Name:  "clear",
				Usage: "Drop every tracked port assignment",
				Action: func(c *cli.Context) error {
					ctx, _ := rootContext()
					reg := portregistry.New(c.String("registry-dir"), nil)
					return reg.Clear(ctx)
				},
			},
			{
				Name:  "cleanup",
				Usage: "Evict assignments whose container no longer exists",
				Action: func(c *cli.Context) error {
					ctx, _ := rootContext()
					engine, err := dockergateway.NewEngine(dockergateway.ClientOptions{Host: c.String("docker-host")})
					if err != nil {
						return err
					}
					defer engine.Close()

					reg := portregistry.New(c.String("registry-dir"), engine)
					evicted, err := reg.CleanupStale(ctx)
					if err != nil {
						return err
					}
					for _, a := range evicted {
						fmt.Printf("evicted: port=%d project=%s\n", a.Port, a.ProjectPath)
					}
					return nil
				},
			},
		},
	}
}

// rootContext builds the base context every command runs under,
// cancelled on SIGINT/SIGTERM so an in-flight Up rolls back instead of
// leaving a half-created container behind.
func rootContext() (context.Context, *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	l := logger.NewLoggerFromEnv()
	ctx = logger.WithLogger(ctx, l)
	return ctx, l
}
