package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kozaktomas/face-auth/internal/config"
	"github.com/kozaktomas/face-auth/internal/service"
	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <name>",
	Short: "Enroll a person from camera frames",
	Long: `Capture frames from a camera or a directory of images, aggregate them into
one reference embedding and store it as a new identity.

Examples:
  # Enroll from the configured camera
  face-auth enroll "Jane Doe"

  # Enroll from previously captured frames
  face-auth enroll "Jane Doe" --frames ./captures/jane`,
	Args: cobra.ExactArgs(1),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	addFrameFlags(enrollCmd)
	enrollCmd.Flags().Bool("json", false, "Output as JSON")
}

func runEnroll(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	ctx := cmd.Context()
	cfg := config.Load()

	src, err := frameSource(cmd, cfg.Capture.SnapshotURL)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, cfg, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	if !jsonOutput {
		fmt.Printf("Capturing up to %d frames for %s (budget %s)...\n",
			cfg.Capture.EnrollmentSamples, args[0], cfg.Capture.EnrollmentBudget)
	}

	enr, err := rt.svc.Enroll(ctx, service.EnrollInput{Name: args[0], Source: src})
	if err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(enr)
	}

	fmt.Printf("Enrolled %s as face id %s\n", args[0], enr.FaceID)
	fmt.Printf("  Samples:  %d of %d frames\n", enr.Stats.Samples, enr.Stats.Attempts)
	if enr.Stats.MultiFace > 0 {
		fmt.Printf("  Warning:  %d frames showed more than one face, the first face was used\n", enr.Stats.MultiFace)
	}
	return nil
}
