package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"docqa/internal/render"
	"docqa/internal/service"
)

// NewAskCmd creates the ask command.
func NewAskCmd() *cobra.Command {
	var (
		docs   []string
		debug  bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "ask --doc URL [--doc URL ...] <question> [question ...]",
		Short: "Answer questions about documents without running the server",
		Long: `Run the full pipeline in-process and print one answer per question.

Examples:
  docqa ask --doc https://example.com/policy.pdf "What is the grace period?"
  docqa ask --doc a.pdf --doc b.docx --debug "Is maternity covered?" "What is the waiting period?"
  docqa ask --json --doc https://example.com/policy.pdf "What is the grace period?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(docs) == 0 {
				return fmt.Errorf("at least one --doc is required")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg)

			svc, closeFn, err := service.Build(cfg, logger)
			if err != nil {
				return fmt.Errorf("building pipeline: %w", err)
			}
			defer func() {
				if err := closeFn(); err != nil {
					logger.Warn("close failed", "err", err)
				}
			}()

			resp, err := svc.Run(cmd.Context(), service.Request{Documents: docs, Questions: args, Debug: debug})
			if err != nil {
				return err
			}
			if asJSON {
				data, err := json.MarshalIndent(resp, "", "  ")
				if err != nil {
					return fmt.Errorf("marshaling JSON: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", data)
				return nil
			}
			return render.Answers(cmd.OutOrStdout(), args, resp)
		},
	}
	cmd.Flags().StringArrayVar(&docs, "doc", nil, "Document URL (repeatable)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Include reasoning, confidence and cited passages")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the response as JSON")
	return cmd
}
