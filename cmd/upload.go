package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"meterlink/internal/app"
	"meterlink/internal/config"
	"meterlink/internal/device"
	"meterlink/internal/history"
	"meterlink/internal/progress"
	"meterlink/internal/queue"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <path>...",
	Short: "Connect, upload files and directories, then disconnect",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUpload,
}

func init() {
	uploadCmd.Flags().Bool("show-progress", true, "Show a progress bar when attached to a terminal")

	keygenCmd.Flags().Bool("save", false, "Write the key into the --config file")

	historyCmd.Flags().Int("limit", 20, "Maximum records to show (0 for all)")
	historyCmd.Flags().Bool("failed", false, "Show only failed uploads")
	historyCmd.Flags().String("batch", "", "Show the records of one batch")
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, log, _, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	session, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer closeSession(session, log)

	ctx, cancel := signalContext(log)
	defer cancel()

	if err := session.Connect(ctx); err != nil {
		return err
	}

	added, addErr := session.AddFiles(args...)
	if addErr != nil {
		log.Warn("Some paths were not queued", zap.Error(addErr))
	}
	if len(added) == 0 {
		if addErr != nil {
			return fmt.Errorf("no files to upload: %w", addErr)
		}
		return errors.New("no supported files found")
	}

	sizes := make(map[queue.ItemID]int64, len(added))
	for _, it := range added {
		sizes[it.ID] = it.Size
	}

	tracker := progress.NewTracker()
	files, bytes := app.CountBytes(added)
	tracker.SetTotal(files, bytes)

	out := cmd.OutOrStdout()
	showProgress, _ := cmd.Flags().GetBool("show-progress")

	var display *progress.Display
	if showProgress && progress.IsTerminalSupported() {
		display = progress.NewDisplay(tracker, 200*time.Millisecond, nil)
	}

	batch, err := session.Upload()
	if err != nil {
		return err
	}
	log.Info("Uploading",
		zap.String("batch", batch.ID),
		zap.Int64("files", files),
		zap.String("size", progress.FormatBytes(bytes)),
	)
	if display != nil {
		display.Start()
	}

	finished := make(map[queue.ItemID]bool, len(added))
	interrupted := ctx.Done()
	var tally app.Event

	for tally.Kind == "" {
		select {
		case <-interrupted:
			// Running uploads still finish and report.
			interrupted = nil
			n := session.CancelUploads()
			log.Info("Cancelling pending uploads", zap.Int("count", n))
		case ev, ok := <-session.Events():
			if !ok {
				return errors.New("session closed before the batch finished")
			}
			switch ev.Kind {
			case app.EventProgress:
				tracker.Update(string(ev.ItemID), sizes[ev.ItemID], ev.Percent)
			case app.EventResult:
				finished[ev.ItemID] = true
				if ev.Result.Success {
					tracker.AddSuccess(string(ev.ItemID), sizes[ev.ItemID])
				} else {
					tracker.AddFailed(string(ev.ItemID), sizes[ev.ItemID])
				}
				if display == nil {
					printResult(out, ev)
				}
			case app.EventError:
				log.Warn("Connection problem during upload", zap.Error(ev.Err))
			case app.EventBatchDone:
				if ev.BatchID == batch.ID {
					tally = ev
				}
			}
		}
	}

	var cancelled, cancelledBytes int64
	for _, id := range batch.Items() {
		if !finished[id] {
			cancelled++
			cancelledBytes += sizes[id]
		}
	}
	if cancelled > 0 {
		tracker.AddCancelled(cancelled, cancelledBytes)
	}

	if display != nil {
		display.Stop()
	} else {
		fmt.Fprint(out, progress.Summary(tracker.GetStatus()))
	}

	if tally.Tally.Failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", tally.Tally.Failed, tally.Tally.Total)
	}
	return nil
}

func printResult(w io.Writer, ev app.Event) {
	r := ev.Result
	status := "ok"
	if !r.Success {
		status = "FAILED"
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", status, r.Name, r.Message)
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print the hardware key of this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := device.HardwareKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)

		save, _ := cmd.Flags().GetBool("save")
		if !save {
			return nil
		}
		if configFile == "" {
			return errors.New("--save needs --config")
		}

		cfg, err := config.Load(configFile, cmd.Flags())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Device.HardwareKey = key
		if err := config.Save(cfg, configFile); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved to %s\n", configFile)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded upload results",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile, cmd.Flags())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, err := history.NewSQLiteStore(cfg.History.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		failed, _ := cmd.Flags().GetBool("failed")
		batchID, _ := cmd.Flags().GetString("batch")

		var records []*history.Record
		switch {
		case batchID != "":
			records, err = store.ListBatch(batchID)
		case failed:
			records, err = store.ListByStatus(history.StatusFailed, limit)
		default:
			records, err = store.Recent(limit)
		}
		if err != nil {
			return fmt.Errorf("failed to read history: %w", err)
		}

		printRecords(cmd.OutOrStdout(), records)
		return nil
	},
}

func printRecords(w io.Writer, records []*history.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No uploads recorded")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tFILE\tSTATUS\tSIZE\tATTEMPTS\tFILE ID")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			humanize.Time(r.CreatedAt),
			r.Name,
			r.Status,
			humanize.IBytes(uint64(r.OriginalSize)),
			r.Attempts,
			r.FileID,
		)
	}
	tw.Flush()
}
