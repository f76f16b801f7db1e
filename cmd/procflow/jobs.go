package main

import (
	"context"
	"fmt"

	"github.com/procflow/procflow/pkg/cmd"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
	cli "github.com/urfave/cli/v3"
)

func newJobsCommand() *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "Inspect and operate the job queues",
		Commands: []*cli.Command{
			newJobsListCommand(),
			newJobsDeadLetterCommand(),
			newJobsRestoreCommand(),
			newJobsSetRetriesCommand(),
			newJobsCancelCommand(),
		},
	}
}

func newJobsListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List live jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "process-instance-id",
				Usage: "Filter by process instance",
			},
			&cli.BoolFlag{
				Name:  "timers",
				Usage: "Only timer jobs with a future due date",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			return withRuntime(ctx, command, func(ctx context.Context, runtime *cmd.Runtime) error {
				jobs, err := runtime.Store.Read().Jobs(ctx, persistence.JobQuery{
					ProcessInstanceID: command.String("process-instance-id"),
					TimersOnly:        command.Bool("timers"),
					Now:               runtime.Clock.Now(),
				})
				if err != nil {
					return err
				}

				printJobs(jobs)

				return nil
			})
		},
	}
}

func newJobsDeadLetterCommand() *cli.Command {
	return &cli.Command{
		Name:  "dead-letter",
		Usage: "List dead-letter jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "exception",
				Usage: "Filter by exception message substring",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			return withRuntime(ctx, command, func(ctx context.Context, runtime *cmd.Runtime) error {
				jobs, err := runtime.Store.Read().Jobs(ctx, persistence.JobQuery{
					DeadLetterOnly:   true,
					ExceptionMessage: command.String("exception"),
					Now:              runtime.Clock.Now(),
				})
				if err != nil {
					return err
				}

				printJobs(jobs)

				return nil
			})
		},
	}
}

func newJobsRestoreCommand() *cli.Command {
	return &cli.Command{
		Name:      "restore",
		Usage:     "Move a dead-letter job back to the executable queue",
		ArgsUsage: "JOB_ID",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "retries",
				Usage: "Fresh retry budget",
				Value: models.DefaultJobRetries,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return fmt.Errorf("restore requires a job id argument")
			}

			return withRuntime(ctx, command, func(ctx context.Context, runtime *cmd.Runtime) error {
				return runtime.Manager.MoveDeadLetterToExecutable(ctx, command.Args().First(), command.Int("retries"))
			})
		},
	}
}

func newJobsSetRetriesCommand() *cli.Command {
	return &cli.Command{
		Name:      "set-retries",
		Usage:     "Overwrite a job's remaining retry budget",
		ArgsUsage: "JOB_ID RETRIES",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 2 {
				return fmt.Errorf("set-retries requires a job id and a retry count")
			}

			var retries int

			_, err := fmt.Sscanf(command.Args().Get(1), "%d", &retries)
			if err != nil {
				return fmt.Errorf("invalid retry count %q", command.Args().Get(1))
			}

			return withRuntime(ctx, command, func(ctx context.Context, runtime *cmd.Runtime) error {
				return runtime.Manager.SetRetries(ctx, command.Args().First(), retries)
			})
		},
	}
}

func newJobsCancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a job (idempotent)",
		ArgsUsage: "JOB_ID",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return fmt.Errorf("cancel requires a job id argument")
			}

			return withRuntime(ctx, command, func(ctx context.Context, runtime *cmd.Runtime) error {
				return runtime.Manager.Cancel(ctx, command.Args().First())
			})
		},
	}
}

func printJobs(jobs []*models.Job) {
	for _, job := range jobs {
		due := "-"
		if job.DueDate != nil {
			due = job.DueDate.Format("2006-01-02T15:04:05Z07:00")
		}

		fmt.Printf("%s\t%s\t%s\tretries=%d\tdue=%s\tsuspended=%t\n",
			job.ID, job.Type, job.HandlerType, job.Retries, due, job.Suspended)
	}
}
