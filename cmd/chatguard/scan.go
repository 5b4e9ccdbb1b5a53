package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/afterlight/chatguard/internal/config"
	"github.com/afterlight/chatguard/internal/safety/abuse"
	"github.com/afterlight/chatguard/internal/safety/crisis"
	"github.com/afterlight/chatguard/pkg/logger"
	"github.com/spf13/cobra"
)

type scanReport struct {
	RulesVersion          string         `json:"rules_version"`
	Crisis                crisis.Result  `json:"crisis"`
	ImmediateIntervention bool           `json:"immediate_intervention"`
	Abuse                 *abuse.Pattern `json:"abuse"`
	Forwarded             bool           `json:"forwarded"`
	Transformed           string         `json:"transformed,omitempty"`
}

func newScanCmd(configPath *string) *cobra.Command {
	var rulesPath string

	cmd := &cobra.Command{
		Use:   "scan [message]",
		Short: "Run crisis and abuse detection on a message and print the verdict as JSON",
		Long: `Run crisis and abuse detection on a message and print the verdict as JSON.
The message is read from stdin when no argument is given. Rate limiting is
not exercised because every scan is a single message.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if rulesPath != "" {
				cfg.Rules.Path = rulesPath
			}

			message, err := scanInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			report, err := scan(cfg, message)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&rulesPath, "rules", "", "Rule table YAML to scan with (defaults to rules.path, then the built-in table)")

	return cmd
}

func scanInput(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read message from stdin: %w", err)
	}
	message := strings.TrimRight(string(data), "\n")
	if message == "" {
		return "", fmt.Errorf("no message given")
	}
	return message, nil
}

func scan(cfg *config.Config, message string) (*scanReport, error) {
	set, err := loadRules(cfg)
	if err != nil {
		return nil, err
	}

	crisisDetector, err := crisis.NewDetector(set.Crisis)
	if err != nil {
		return nil, fmt.Errorf("failed to build crisis detector: %w", err)
	}
	abuseDetector, err := abuse.NewDetector(cfg.Abuse, set, logger.NewDiscard())
	if err != nil {
		return nil, fmt.Errorf("failed to build abuse detector: %w", err)
	}

	result := crisisDetector.Detect(message)
	report := &scanReport{
		RulesVersion:          set.Version,
		Crisis:                result,
		ImmediateIntervention: crisis.RequiresImmediateIntervention(result),
		Abuse:                 abuseDetector.DetectAbuse("scan", message, nil),
	}

	transformed, ok := abuseDetector.ApplyAction(message, report.Abuse)
	report.Forwarded = ok && !result.InterventionRequired
	if ok && transformed != message {
		report.Transformed = transformed
	}
	return report, nil
}
