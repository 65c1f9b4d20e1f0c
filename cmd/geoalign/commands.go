package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"geoalign/internal/client"
	"geoalign/internal/job"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// maxParallelUploads bounds concurrent uploads.
const maxParallelUploads = 4

var (
	flagImageA  string
	flagImageB  string
	flagCorners []string
	flagDetach  bool
	flagOutput  string
)

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>...",
		Short: "upload GeoTIFF files and print their image ids",
		Args:  cobra.MinimumNArgs(1),
		RunE:  doUpload,
	}
}

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "create an alignment job and wait for it to finish",
		Args:  cobra.NoArgs,
		RunE:  doSubmit,
	}
	cmd.Flags().StringVar(&flagImageA, "image-a", "", "reference image id")
	cmd.Flags().StringVar(&flagImageB, "image-b", "", "target image id")
	cmd.Flags().StringArrayVar(&flagCorners, "corner", nil, "AOI corner as LAT,LNG (exactly two)")
	cmd.Flags().BoolVar(&flagDetach, "detach", false, "return once the job is created")
	_ = cmd.MarkFlagRequired("image-a")
	_ = cmd.MarkFlagRequired("image-b")
	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "pick up the stored job and wait for it to finish",
		Args:  cobra.NoArgs,
		RunE:  doResume,
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [jobId]",
		Short: "print a job, the stored one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE:  doStatus,
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list jobs, newest first",
		Args:  cobra.NoArgs,
		RunE:  doList,
	}
}

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <jobId> <filename>",
		Short: "download a job artifact",
		Args:  cobra.ExactArgs(2),
		RunE:  doFetch,
	}
	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "destination path (default: filename in the current directory)")
	return cmd
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "forget the stored job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client.NewFileKV(flagState).Delete(client.ScopeSession, client.KeyCurrentJobID)
		},
	}
}

func doUpload(cmd *cobra.Command, args []string) error {
	c := newClient()
	ids := make([]string, len(args))

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(maxParallelUploads)
	for i, path := range args {
		g.Go(func() error {
			id, err := c.Upload(ctx, path)
			if err != nil {
				return fmt.Errorf("upload %s: %w", path, err)
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	for i, id := range ids {
		fmt.Fprintf(w, "%s\t%s\n", id, args[i])
	}
	return nil
}

func doSubmit(cmd *cobra.Command, _ []string) error {
	if len(flagCorners) != 2 {
		return fmt.Errorf("need exactly two --corner values, got %d", len(flagCorners))
	}
	a, err := parseCorner(flagCorners[0])
	if err != nil {
		return err
	}
	b, err := parseCorner(flagCorners[1])
	if err != nil {
		return err
	}

	r, err := newReconciler()
	if err != nil {
		return err
	}
	err = r.Start(cmd.Context(), client.CreateParams{
		ImageAID: flagImageA,
		ImageBID: flagImageB,
		AOI:      client.AOIFromCorners(a, b),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", client.MsgStartFailed, err)
	}

	st := r.State()
	fmt.Fprintln(cmd.OutOrStdout(), st.JobID)
	if flagDetach {
		return nil
	}
	return wait(cmd, r)
}

func doResume(cmd *cobra.Command, _ []string) error {
	r, err := newReconciler()
	if err != nil {
		return err
	}
	ok, err := r.Recover(cmd.Context())
	if err != nil {
		return fmt.Errorf("stored job could not be recovered and was forgotten: %w", err)
	}
	if !ok {
		return errors.New("no stored job")
	}
	return wait(cmd, r)
}

// wait blocks until the tracked job finishes or the command is interrupted.
func wait(cmd *cobra.Command, r *client.Reconciler) error {
	select {
	case <-r.Done():
	case <-cmd.Context().Done():
		st := r.State()
		fmt.Fprintf(cmd.ErrOrStderr(), "interrupted; job %s is %s, run `geoalign resume` to keep waiting\n", st.JobID, st.Phase)
		return nil
	}

	st := r.State()
	w := cmd.OutOrStdout()
	switch st.Phase {
	case client.PhaseDone:
		fmt.Fprintf(w, "%s done\n", st.JobID)
		if st.Outputs != nil {
			fmt.Fprintf(w, "  %s\n  %s\n", st.Outputs.ImageAURL, st.Outputs.ImageBURL)
		}
		return nil
	case client.PhaseError:
		return fmt.Errorf("job %s failed: %s", st.JobID, st.Message)
	default:
		return fmt.Errorf("job %s was reset", st.JobID)
	}
}

func doStatus(cmd *cobra.Command, args []string) error {
	var id string
	if len(args) == 1 {
		id = args[0]
	} else {
		stored, ok, err := client.NewFileKV(flagState).Get(client.ScopeSession, client.KeyCurrentJobID)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("no stored job; pass a job id")
		}
		id = stored
	}

	j, err := newClient().GetJob(cmd.Context(), id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(j)
}

func doList(cmd *cobra.Command, _ []string) error {
	jobs, err := newClient().ListJobs(cmd.Context())
	if err != nil {
		return err
	}
	return printJobs(cmd.OutOrStdout(), jobs)
}

func printJobs(out io.Writer, jobs []*job.Job) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.ID, j.Status, j.CreatedAt.Local().Format(time.DateTime), firstLine(j.Error))
	}
	return w.Flush()
}

func doFetch(cmd *cobra.Command, args []string) error {
	jobID, filename := args[0], args[1]
	dst := flagOutput
	if dst == "" {
		dst = filepath.Base(filename)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	n, err := newClient().FetchArtifact(cmd.Context(), jobID, filename, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes)\n", dst, n)
	return nil
}

// parseCorner reads "LAT,LNG".
func parseCorner(s string) (client.Corner, error) {
	latStr, lngStr, ok := strings.Cut(s, ",")
	if !ok {
		return client.Corner{}, fmt.Errorf("corner %q: want LAT,LNG", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return client.Corner{}, fmt.Errorf("corner %q: latitude: %w", s, err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngStr), 64)
	if err != nil {
		return client.Corner{}, fmt.Errorf("corner %q: longitude: %w", s, err)
	}
	return client.Corner{Lat: lat, Lng: lng}, nil
}

func parseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("--interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("--interval must be positive, got %s", s)
	}
	return d, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
