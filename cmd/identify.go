package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/face-auth/internal/capture"
	"github.com/kozaktomas/face-auth/internal/config"
	"github.com/kozaktomas/face-auth/internal/facematch"
	"github.com/kozaktomas/face-auth/internal/service"
	"github.com/spf13/cobra"
)

var identifyCmd = &cobra.Command{
	Use:   "identify",
	Short: "Recognize faces against all enrolled identities",
	Long: `Capture a frame and report the closest enrolled identity, or Unknown when no
identity is within the match threshold.

With --frames every image in the directory is identified separately. With
--continuous the camera is polled until interrupted.

Examples:
  face-auth identify --camera http://camera.local/snapshot.jpg --continuous
  face-auth identify --frames ./captures/door`,
	RunE: runIdentify,
}

func init() {
	rootCmd.AddCommand(identifyCmd)

	addFrameFlags(identifyCmd)
	identifyCmd.Flags().Bool("continuous", false, "Keep identifying until interrupted")
	identifyCmd.Flags().Duration("interval", 500*time.Millisecond, "Pause between attempts with --continuous")
	identifyCmd.Flags().Bool("json", false, "Output one JSON object per attempt")
}

// IdentifyResult is printed for every identification attempt.
type IdentifyResult struct {
	Accepted   bool     `json:"accepted"`
	FaceID     string   `json:"face_id,omitempty"`
	Name       string   `json:"name,omitempty"`
	Distance   *float64 `json:"distance,omitempty"`
	Confidence float64  `json:"confidence"`
	Error      string   `json:"error,omitempty"`
}

// Label formats the result as "name (xx.xx%)" or "Unknown".
func (r IdentifyResult) Label() string {
	if r.Error != "" {
		return r.Error
	}
	if !r.Accepted {
		return "Unknown"
	}
	name := r.Name
	if name == "" {
		name = r.FaceID
	}
	return fmt.Sprintf("%s (%.2f%%)", name, r.Confidence*100)
}

func newIdentifyResult(id *service.Identification, err error) IdentifyResult {
	if err != nil {
		if errors.Is(err, facematch.ErrNoFaceDetected) {
			return IdentifyResult{Error: "No face detected"}
		}
		return IdentifyResult{Error: err.Error()}
	}
	res := IdentifyResult{
		Accepted:   id.Decision.Accepted,
		FaceID:     id.Decision.Identity,
		Name:       id.Name,
		Confidence: id.Decision.Confidence(),
	}
	if id.Decision.Nearest != "" {
		d := id.Decision.Distance
		res.Distance = &d
	}
	return res
}

func runIdentify(cmd *cobra.Command, args []string) error {
	continuous := mustGetBool(cmd, "continuous")
	interval := mustGetDuration(cmd, "interval")
	jsonOutput := mustGetBool(cmd, "json")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
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

	report := func(res IdentifyResult) {
		if jsonOutput {
			_ = json.NewEncoder(os.Stdout).Encode(res)
			return
		}
		fmt.Println(res.Label())
	}

	// a directory is identified frame by frame
	if mustGetString(cmd, "frames") != "" {
		for {
			frame, err := src.NextFrame(ctx)
			if errors.Is(err, facematch.ErrSourceExhausted) {
				return nil
			}
			if errors.Is(err, facematch.ErrFrameUnavailable) {
				continue
			}
			if err != nil {
				return err
			}
			id, err := rt.svc.Identify(ctx, capture.NewSliceSource([]facematch.Frame{frame}))
			report(newIdentifyResult(id, err))
		}
	}

	for {
		id, err := rt.svc.Identify(ctx, src)
		if ctx.Err() != nil {
			return nil
		}
		if !continuous {
			if err != nil {
				return fmt.Errorf("identification failed: %w", err)
			}
			report(newIdentifyResult(id, nil))
			return nil
		}
		report(newIdentifyResult(id, err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
