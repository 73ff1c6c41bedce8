package main

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/raceboard/racewrap/internal/config"
	"github.com/raceboard/racewrap/internal/doctor"
	"github.com/raceboard/racewrap/internal/raceboard"
	"github.com/spf13/cobra"
)

const defaultWrappedProgram = "codex"

func newDoctorCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor [program]",
		Short: "Check the Raceboard server, the raceboard CLI and the wrapped program",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			program := defaultWrappedProgram
			if len(args) == 1 {
				program = args[0]
			}
			a.logger.With("command", "doctor", "program", program).Info("running preflight")

			report, err := runDoctor(cmd.Context(), a.cfg, program)
			if err != nil {
				return err
			}
			if err := renderReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Healthy() {
				a.exitCode = 1
			}
			return nil
		},
	}
}

func runDoctor(ctx context.Context, cfg *config.Config, program string) (doctor.Report, error) {
	client, err := raceboard.NewClient(raceboard.Options{
		Command:   cfg.RaceboardCommand,
		ServerURL: cfg.ServerURL,
		Timeout:   cfg.CommandTimeout,
	})
	if err != nil {
		return doctor.Report{}, fmt.Errorf("create raceboard client: %w", err)
	}
	manager, err := doctor.NewManager(client, doctor.Config{
		Program:          program,
		RaceboardCommand: cfg.RaceboardCommand,
		ServerURL:        client.ServerURL(),
		HealthCheck:      cfg.HealthCheck,
	})
	if err != nil {
		return doctor.Report{}, fmt.Errorf("create preflight: %w", err)
	}
	return manager.RunOnce(ctx), nil
}

func renderReport(out io.Writer, report doctor.Report) error {
	renderer := lipgloss.NewRenderer(out)
	okStyle := renderer.NewStyle().Foreground(lipgloss.Color("#33FF33"))
	warnStyle := renderer.NewStyle().Foreground(lipgloss.Color("#FFCC00")).Bold(true)
	skipStyle := renderer.NewStyle().Faint(true)

	for _, check := range report.Checks {
		status := okStyle.Render(fmt.Sprintf("%-7s", check.Status))
		switch {
		case !check.OK():
			status = warnStyle.Render(fmt.Sprintf("%-7s", check.Status))
		case check.Status == "skipped":
			status = skipStyle.Render(fmt.Sprintf("%-7s", check.Status))
		}
		if _, err := fmt.Fprintf(out, "%s %-16s %s\n", status, check.Name, check.Detail); err != nil {
			return fmt.Errorf("write doctor report: %w", err)
		}
	}
	return nil
}
