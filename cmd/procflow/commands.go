package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/procflow/procflow/pkg/clock"
	"github.com/procflow/procflow/pkg/cmd"
	"github.com/procflow/procflow/pkg/definition"
	"github.com/procflow/procflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

// withRuntime wires the engine stack for one admin invocation and tears it
// down afterwards.
func withRuntime(ctx context.Context, command *cli.Command, fn func(ctx context.Context, runtime *cmd.Runtime) error) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("procflow")

	store := cmd.NewStore(ctx, logger, command.String("database-url"))
	defer func() {
		err := store.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close store", "error", err)
		}
	}()

	runtime, err := cmd.NewRuntime(store, clock.NewSystemClock(), nil, logger)
	if err != nil {
		return err
	}

	return fn(ctx, runtime)
}

func newDeployCommand() *cli.Command {
	return &cli.Command{
		Name:      "deploy",
		Usage:     "Deploy process definition files",
		ArgsUsage: "FILE...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "name",
				Usage: "Deployment name",
				Value: "default",
			},
			&cli.BoolFlag{
				Name:  "filter-duplicates",
				Usage: "Skip the deployment when its resources match the previous one",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() == 0 {
				return fmt.Errorf("deploy requires at least one definition file")
			}

			resources := make(map[string][]byte)

			for _, path := range command.Args().Slice() {
				content, err := os.ReadFile(path)
				if err != nil {
					return err
				}

				resources[filepath.Base(path)] = content
			}

			return withRuntime(ctx, command, func(ctx context.Context, runtime *cmd.Runtime) error {
				deployment, definitions, err := runtime.Deployer.Deploy(ctx, command.String("name"), resources, definition.DeployOptions{
					FilterDuplicates: command.Bool("filter-duplicates"),
				})
				if err != nil {
					return err
				}

				fmt.Printf("Deployment %s\n", deployment.ID)

				for _, def := range definitions {
					fmt.Printf("  %s (key=%s version=%d)\n", def.ID, def.Key, def.Version)
				}

				return nil
			})
		},
	}
}

func newStartCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Start a process instance",
		ArgsUsage: "PROCESS_KEY",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "definition-id",
				Usage: "Start an exact definition version instead of the latest by key",
			},
			&cli.StringFlag{
				Name:  "variables",
				Usage: "Initial variables as a JSON object",
				Value: "{}",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			variables, err := parseVariables(command.String("variables"))
			if err != nil {
				return err
			}

			return withRuntime(ctx, command, func(ctx context.Context, runtime *cmd.Runtime) error {
				if definitionID := command.String("definition-id"); definitionID != "" {
					root, err := runtime.Engine.StartProcessInstanceByID(ctx, definitionID, variables)
					if err != nil {
						return err
					}

					fmt.Printf("Started process instance %s\n", root.ProcessInstanceID)

					return nil
				}

				if command.Args().Len() != 1 {
					return fmt.Errorf("start requires a process key argument")
				}

				root, err := runtime.Engine.StartProcessInstanceByKey(ctx, command.Args().First(), variables)
				if err != nil {
					return err
				}

				fmt.Printf("Started process instance %s\n", root.ProcessInstanceID)

				return nil
			})
		},
	}
}

func newSignalCommand() *cli.Command {
	return &cli.Command{
		Name:      "signal",
		Usage:     "Signal an execution parked at a wait state",
		ArgsUsage: "EXECUTION_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "payload",
				Usage: "Payload variables as a JSON object",
				Value: "{}",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return fmt.Errorf("signal requires an execution id argument")
			}

			payload, err := parseVariables(command.String("payload"))
			if err != nil {
				return err
			}

			return withRuntime(ctx, command, func(ctx context.Context, runtime *cmd.Runtime) error {
				return runtime.Engine.SignalExecution(ctx, command.Args().First(), payload)
			})
		},
	}
}

func newDeleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a running process instance",
		ArgsUsage: "PROCESS_INSTANCE_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "reason",
				Usage: "Deletion reason recorded on the event",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return fmt.Errorf("delete requires a process instance id argument")
			}

			return withRuntime(ctx, command, func(ctx context.Context, runtime *cmd.Runtime) error {
				return runtime.Engine.DeleteProcessInstance(ctx, command.Args().First(), command.String("reason"))
			})
		},
	}
}

func newDefinitionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "definitions",
		Usage: "List deployed process definitions",
		Action: func(ctx context.Context, command *cli.Command) error {
			return withRuntime(ctx, command, func(ctx context.Context, runtime *cmd.Runtime) error {
				definitions, err := runtime.Store.Read().Definitions(ctx)
				if err != nil {
					return err
				}

				for _, def := range definitions {
					fmt.Printf("%s\tkey=%s\tversion=%d\tnodes=%d\n", def.ID, def.Key, def.Version, len(def.Nodes))
				}

				return nil
			})
		},
	}
}

func parseVariables(raw string) (map[string]any, error) {
	variables := make(map[string]any)

	err := json.Unmarshal([]byte(raw), &variables)
	if err != nil {
		return nil, fmt.Errorf("invalid variables JSON: %w", err)
	}

	return variables, nil
}
