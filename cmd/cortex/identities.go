package main

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/MrCodeEU/cortex/pkg/logging"
	"github.com/MrCodeEU/cortex/pkg/storage"
	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <name> <image>...",
	Short: "Enroll one or more face images under a name",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmdEnroll(cmd.Context(), args[0], args[1:])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled identities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmdList()
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove every image enrolled under a name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmdRemove(cmd.Context(), args[0])
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask a running instance to rescan the enrollment directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requestReload(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Reload requested.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(enrollCmd, listCmd, removeCmd, reloadCmd)
}

func cmdEnroll(ctx context.Context, name string, paths []string) error {
	model, err := newModel()
	if err != nil {
		return err
	}
	defer func() { _ = model.Close() }()

	store := storage.New(cfg.Enrollment.Dir, model)
	if err := store.Reload(); err != nil {
		return err
	}

	enrolled := 0
	for _, path := range paths {
		img, err := decodeImage(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", path, err)
			continue
		}

		msg, err := store.Enroll(name, img)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", path, err)
			continue
		}
		enrolled++
		fmt.Printf("  %s: %s\n", path, msg)
	}

	if enrolled == 0 {
		return fmt.Errorf("no image could be enrolled for '%s'", name)
	}

	notifyRunning(ctx)
	return nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

func cmdList() error {
	logging.Debug("Listing enrolled identities")

	// Listing reads directory names only; no model is loaded.
	store := storage.New(cfg.Enrollment.Dir, nil)
	names, err := store.Names()
	if err != nil {
		return err
	}

	if len(names) == 0 {
		fmt.Println("No identities enrolled.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tIMAGES")
	fmt.Fprintln(w, "----\t------")
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%d\n", name, store.ImageCount(name))
	}
	_ = w.Flush()

	fmt.Printf("\nTotal: %s\n", english.Plural(len(names), "identity", "identities"))
	return nil
}

func cmdRemove(ctx context.Context, name string) error {
	store := storage.New(cfg.Enrollment.Dir, nil)

	removed, err := store.Remove(name)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("'%s' is not enrolled", name)
	}

	fmt.Printf("Face data for '%s' has been removed.\n", name)
	notifyRunning(ctx)
	return nil
}

// requestReload calls the reload endpoint of a running instance.
func requestReload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/api/reload", cfg.Server.Listen)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("no running instance at %s: %w", cfg.Server.Listen, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload failed: %s", resp.Status)
	}
	return nil
}

// notifyRunning refreshes a running instance after a local change, if any.
func notifyRunning(ctx context.Context) {
	if !cfg.Server.Enabled {
		return
	}
	if err := requestReload(ctx); err != nil {
		logging.Debugf("Running instance not refreshed: %v", err)
		return
	}
	fmt.Println("Running instance reloaded.")
}
