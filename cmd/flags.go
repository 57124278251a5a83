package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kozaktomas/face-auth/internal/capture"
	"github.com/kozaktomas/face-auth/internal/constants"
	"github.com/kozaktomas/face-auth/internal/facematch"
	"github.com/spf13/cobra"
)

// mustGetBool gets a bool flag value or panics if the flag doesn't exist.
// This is appropriate for flags defined in init() - errors indicate programming bugs.
func mustGetBool(cmd *cobra.Command, name string) bool {
	val, err := cmd.Flags().GetBool(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetInt gets an int flag value or panics if the flag doesn't exist.
func mustGetInt(cmd *cobra.Command, name string) int {
	val, err := cmd.Flags().GetInt(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetString gets a string flag value or panics if the flag doesn't exist.
func mustGetString(cmd *cobra.Command, name string) string {
	val, err := cmd.Flags().GetString(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetDuration gets a duration flag value or panics if the flag doesn't exist.
func mustGetDuration(cmd *cobra.Command, name string) time.Duration {
	val, err := cmd.Flags().GetDuration(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// addFrameFlags registers the --frames and --camera source flags.
func addFrameFlags(cmd *cobra.Command) {
	cmd.Flags().String("frames", "", "Directory of image files to use as camera frames")
	cmd.Flags().String("camera", "", "Camera snapshot URL (defaults to CAMERA_SNAPSHOT_URL)")
	cmd.Flags().Bool("keep-stale", false, "Keep frames identical to the previous one")
	cmd.MarkFlagsMutuallyExclusive("frames", "camera")
}

// frameSource builds the frame source selected by --frames or --camera.
func frameSource(cmd *cobra.Command, defaultCamera string) (facematch.FrameSource, error) {
	var src facematch.FrameSource
	if dir := mustGetString(cmd, "frames"); dir != "" {
		s, err := capture.NewDirSource(dir)
		if err != nil {
			return nil, err
		}
		src = s
	} else {
		url := mustGetString(cmd, "camera")
		if url == "" {
			url = defaultCamera
		}
		if url == "" {
			return nil, errors.New("either --frames or --camera (or CAMERA_SNAPSHOT_URL) is required")
		}
		src = capture.NewSnapshotSource(url, capture.WithSnapshotClient(&http.Client{Timeout: 10 * time.Second}))
	}
	if !mustGetBool(cmd, "keep-stale") {
		src = capture.NewStaleFilter(src, constants.StaleFrameHammingDistance)
	}
	return src, nil
}
