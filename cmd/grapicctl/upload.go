package main

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/your-org/grapic/pkg/dto"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <event-id> <file>...",
	Short: "Upload photos or ZIP archives to an event as one batch",
	Long: `Upload sends all files in a single request so they form one batch and
share one set of progress counters. With --wait the command follows the
batch until every photo is processed or failed.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runUpload,
}

func init() {
	addServerFlags(uploadCmd)
	uploadCmd.Flags().Bool("wait", false, "wait for processing to finish")
	uploadCmd.Flags().Duration("poll", 2*time.Second, "progress poll interval with --wait")
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eventID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid event id: %w", err)
	}
	files := args[1:]

	var total int64
	for _, f := range files {
		st, err := os.Stat(f)
		if err != nil {
			return err
		}
		if st.IsDir() {
			return fmt.Errorf("%s is a directory", f)
		}
		total += st.Size()
	}

	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(fmt.Sprintf("Uploading %d file(s)", len(files))),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeParts(mw, files, bar))
	}()

	client := newAPIClient(cmd)
	var res dto.UploadResponse
	path := fmt.Sprintf("/v1/events/%s/photos", eventID)
	err = client.do(ctx, http.MethodPost, path, mw.FormDataContentType(), pr, &res)
	_ = pr.Close()
	_ = bar.Finish()
	fmt.Println()
	if err != nil {
		return err
	}

	fmt.Printf("Uploaded: %d photo(s)\n", res.Uploaded)
	for _, s := range res.Skipped {
		fmt.Printf("  skipped %s: %s\n", s.Name, s.Reason)
	}
	if res.LimitReached {
		fmt.Println("  free tier limit reached, remaining files were not stored")
	}

	if !mustGetBool(cmd, "wait") || res.Uploaded == 0 {
		return nil
	}
	poll, _ := cmd.Flags().GetDuration("poll")
	return waitForBatch(ctx, client, eventID, poll)
}

func writeParts(mw *multipart.Writer, files []string, bar *progressbar.ProgressBar) error {
	for _, f := range files {
		part, err := mw.CreateFormFile("files", filepath.Base(f))
		if err != nil {
			return err
		}
		src, err := os.Open(f)
		if err != nil {
			return err
		}
		_, err = io.Copy(io.MultiWriter(part, bar), src)
		src.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}
	}
	return mw.Close()
}

// waitForBatch polls the progress endpoint until the batch is finished.
func waitForBatch(ctx context.Context, client *apiClient, eventID uuid.UUID, poll time.Duration) error {
	path := fmt.Sprintf("/v1/events/%s/progress", eventID)

	var p dto.ProgressResponse
	if err := client.do(ctx, http.MethodGet, path, "", nil, &p); err != nil {
		return err
	}
	bar := progressbar.NewOptions64(p.Total,
		progressbar.OptionSetDescription("Processing"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("photos"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		_ = bar.Set64(p.Completed + p.Failed)
		if p.Complete {
			_ = bar.Finish()
			fmt.Println()
			fmt.Printf("Completed: %d  Failed: %d\n", p.Completed, p.Failed)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := client.do(ctx, http.MethodGet, path, "", nil, &p); err != nil {
			return err
		}
	}
}
