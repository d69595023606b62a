package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"diverga/pkg/protocol"
	"diverga/pkg/snapshot"

	"github.com/spf13/cobra"
)

// newExportCmd creates the "diverga export" subcommand.
func newExportCmd(env *cliEnv) *cobra.Command {
	var output, documents string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export checkpoints, decisions, project state and priority context as YAML",
		Long: "Write the snapshot document to stdout or --output. With --documents, write\n" +
			"checkpoints.yaml, decision-log.yaml and project-state.yaml into a directory\n" +
			"in the document backend layout instead.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if documents != "" {
				paths, err := snapshot.ExportDocuments(cmd.Context(), a.backend, documents, time.Now())
				if err != nil {
					return fmt.Errorf("export: %w", err)
				}
				for _, p := range paths {
					fmt.Fprintf(out, "Wrote %s\n", p)
				}
				return nil
			}

			doc, err := a.memory.ExportToYAML(cmd.Context())
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			if output == "" {
				_, err = io.WriteString(out, doc)
				return err
			}
			if err := os.WriteFile(output, []byte(doc), 0o644); err != nil {
				return fmt.Errorf("export: %w", err)
			}
			fmt.Fprintf(out, "Exported to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the snapshot to this file")
	cmd.Flags().StringVar(&documents, "documents", "", "write research documents into this directory")
	return cmd
}

// newImportCmd creates the "diverga import" subcommand.
func newImportCmd(env *cliEnv) *cobra.Command {
	var documents bool

	cmd := &cobra.Command{
		Use:   "import <snapshot.yaml|-|dir>",
		Short: "Import a snapshot or a directory of research documents",
		Long: "Import a snapshot produced by export. With --documents the argument is a\n" +
			"directory holding checkpoints.yaml, decision-log.yaml and project-state.yaml\n" +
			"(directly or under research/ or .research/). Decisions already present are skipped.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if documents {
				return importDocuments(cmd, env, args[0])
			}

			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("%w: read snapshot: %w", protocol.ErrInvalidArgument, err)
			}
			snap, err := snapshot.Unmarshal(data)
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}

			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			res, err := snapshot.Import(cmd.Context(), a.backend, snap)
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}
			if env.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printImport(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().BoolVar(&documents, "documents", false, "treat the argument as a research document directory")
	return cmd
}

func importDocuments(cmd *cobra.Command, env *cliEnv, dir string) error {
	a, err := env.services(cmd)
	if err != nil {
		return err
	}
	res, err := snapshot.MigrateDocuments(cmd.Context(), a.backend, dir)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	out := cmd.OutOrStdout()
	if env.jsonOut {
		return printJSON(out, res)
	}
	printImport(out, res.ImportResult)
	th := newTheme(out)
	if len(res.Missing) > 0 {
		fmt.Fprintln(out, th.Muted.Render("Missing: "+strings.Join(res.Missing, ", ")))
	}
	for _, w := range res.Warnings {
		fmt.Fprintln(out, th.Warning.Render("Warning: "+w))
	}
	return nil
}

func printImport(out io.Writer, res snapshot.ImportResult) {
	fmt.Fprintf(out, "Imported %d checkpoints, %d decisions, %d project keys\n",
		res.Checkpoints, res.Decisions, res.ProjectKeys)
	if len(res.SkippedDecisions) > 0 {
		fmt.Fprintf(out, "Skipped existing decisions: %s\n", strings.Join(res.SkippedDecisions, ", "))
	}
	if res.PriorityContext {
		fmt.Fprintln(out, "Restored priority context")
	}
}
