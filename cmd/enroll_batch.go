package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kozaktomas/face-auth/internal/capture"
	"github.com/kozaktomas/face-auth/internal/config"
	"github.com/kozaktomas/face-auth/internal/constants"
	"github.com/kozaktomas/face-auth/internal/database"
	"github.com/kozaktomas/face-auth/internal/facematch"
	"github.com/kozaktomas/face-auth/internal/service"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var enrollBatchCmd = &cobra.Command{
	Use:   "enroll-batch <dir>",
	Short: "Enroll every person found in a directory tree",
	Long: `Enroll one identity per sub-directory of <dir>. The sub-directory name is
used as the person's name and its image files as the captured frames.

Examples:
  # Enroll people/alice, people/bob, ...
  face-auth enroll-batch ./people

  # Limit concurrency
  face-auth enroll-batch ./people --concurrency 2`,
	Args: cobra.ExactArgs(1),
	RunE: runEnrollBatch,
}

func init() {
	rootCmd.AddCommand(enrollBatchCmd)

	enrollBatchCmd.Flags().Int("concurrency", constants.DefaultConcurrency, "Number of parallel workers")
	enrollBatchCmd.Flags().Bool("json", false, "Output as JSON instead of progress bar")
	enrollBatchCmd.Flags().Bool("skip-existing", true, "Skip people whose name is already enrolled")
}

// BatchEnrollment is the outcome for one sub-directory.
type BatchEnrollment struct {
	Name    string `json:"name"`
	FaceID  string `json:"face_id,omitempty"`
	Samples int    `json:"samples"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EnrollBatchResult represents the result of a batch enrollment.
type EnrollBatchResult struct {
	Success    bool              `json:"success"`
	Enrolled   int               `json:"enrolled"`
	Skipped    int               `json:"skipped"`
	Failed     int               `json:"failed"`
	People     []BatchEnrollment `json:"people"`
	DurationMs int64             `json:"duration_ms"`
}

// personDirs lists the sub-directories of root, sorted by name.
func personDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no person directories in %s", root)
	}
	return dirs, nil
}

// enrolledSlugs returns the name slugs of every enrolled identity.
func enrolledSlugs(list []database.IdentitySummary) map[string]bool {
	slugs := make(map[string]bool, len(list))
	for _, id := range list {
		if slug := facematch.IdentitySlug(id.Name); slug != "" {
			slugs[slug] = true
		}
	}
	return slugs
}

// enrollPerson enrolls the frames in dir under res.Name.
func enrollPerson(ctx context.Context, svc *service.FaceAuth, dir string, res *BatchEnrollment) error {
	src, err := capture.NewDirSource(dir)
	if err != nil {
		return err
	}
	enr, err := svc.Enroll(ctx, service.EnrollInput{Name: res.Name, Source: src})
	if err != nil {
		return err
	}
	res.FaceID = enr.FaceID
	res.Samples = enr.Stats.Samples
	return nil
}

func runEnrollBatch(cmd *cobra.Command, args []string) error {
	concurrency := mustGetInt(cmd, "concurrency")
	jsonOutput := mustGetBool(cmd, "json")
	skipExisting := mustGetBool(cmd, "skip-existing")
	if concurrency < 1 {
		return errors.New("--concurrency must be at least 1")
	}

	ctx := cmd.Context()
	cfg := config.Load()
	startTime := time.Now()

	names, err := personDirs(args[0])
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, cfg, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	existing := map[string]bool{}
	if skipExisting {
		list, err := rt.svc.List(ctx)
		if err != nil {
			return err
		}
		existing = enrolledSlugs(list)
	}

	var bar *progressbar.ProgressBar
	if !jsonOutput {
		bar = progressbar.NewOptions(len(names),
			progressbar.OptionSetDescription("Enrolling"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("people"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}

	results := make([]BatchEnrollment, len(names))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, name := range names {
		g.Go(func() error {
			res := BatchEnrollment{Name: name, Skipped: existing[facematch.IdentitySlug(name)]}
			if !res.Skipped {
				if err := enrollPerson(gctx, rt.svc, filepath.Join(args[0], name), &res); err != nil {
					res.Error = err.Error()
					rt.log.Warn("enrollment failed", "name", name, "err", err)
				}
			}

			mu.Lock()
			results[i] = res
			if bar != nil {
				_ = bar.Add(1)
			}
			mu.Unlock()
			// one person failing does not stop the batch, only cancellation does
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("batch enrollment interrupted: %w", err)
	}

	result := EnrollBatchResult{People: results, DurationMs: time.Since(startTime).Milliseconds()}
	for _, r := range results {
		switch {
		case r.Skipped:
			result.Skipped++
		case r.Error != "":
			result.Failed++
		default:
			result.Enrolled++
		}
	}
	result.Success = result.Failed == 0

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Printf("\nEnrolled %d of %d people in %s\n", result.Enrolled, len(names), time.Since(startTime).Round(time.Millisecond))
	if result.Skipped > 0 {
		fmt.Printf("Skipped %d already enrolled\n", result.Skipped)
	}
	for _, r := range results {
		if r.Error != "" {
			fmt.Printf("  %s: %s\n", r.Name, r.Error)
		}
	}
	return nil
}
