package main

import (
	"compress/bzip2"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrCodeEU/cortex/pkg/logging"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type modelFile struct {
	Name string
	URL  string
}

var sfaceModels = []modelFile{
	{
		Name: "face_detection_yunet_2023mar.onnx",
		URL:  "https://github.com/opencv/opencv_zoo/raw/refs/heads/main/models/face_detection_yunet/face_detection_yunet_2023mar.onnx",
	},
	{
		Name: "face_recognition_sface_2021dec.onnx",
		URL:  "https://github.com/opencv/opencv_zoo/raw/refs/heads/main/models/face_recognition_sface/face_recognition_sface_2021dec.onnx",
	},
}

var dlibModels = []modelFile{
	{
		Name: "shape_predictor_5_face_landmarks.dat",
		URL:  "http://dlib.net/files/shape_predictor_5_face_landmarks.dat.bz2",
	},
	{
		Name: "dlib_face_recognition_resnet_model_v1.dat",
		URL:  "http://dlib.net/files/dlib_face_recognition_resnet_model_v1.dat.bz2",
	},
	{
		Name: "mmod_human_face_detector.dat",
		URL:  "http://dlib.net/files/mmod_human_face_detector.dat.bz2",
	},
}

var downloadAll bool

var downloadCmd = &cobra.Command{
	Use:   "download-models [dir]",
	Short: "Download the model files for the configured recognition backend",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmdDownloadModels(args)
	},
}

func init() {
	downloadCmd.Flags().BoolVar(&downloadAll, "all", false, "Download models for every backend")
	rootCmd.AddCommand(downloadCmd)
}

func cmdDownloadModels(args []string) error {
	modelDir := cfg.Recognition.ModelPath
	if len(args) > 0 {
		modelDir = args[0]
	}

	logging.Infof("Downloading models to: %s", modelDir)

	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	var models []modelFile
	switch {
	case downloadAll:
		models = append(append(models, sfaceModels...), dlibModels...)
	case cfg.Recognition.Backend == "dlib":
		models = dlibModels
	default:
		models = sfaceModels
	}

	for _, model := range models {
		targetPath := filepath.Join(modelDir, model.Name)
		if _, err := os.Stat(targetPath); err == nil {
			logging.Infof("Model %s already exists, skipping", model.Name)
			continue
		}

		if err := download(model, targetPath); err != nil {
			return fmt.Errorf("failed to download %s: %w", model.Name, err)
		}
		logging.Infof("Successfully downloaded %s", model.Name)
	}

	logging.Info("All models downloaded successfully!")
	return nil
}

// download fetches model.URL into targetPath, decompressing .bz2 payloads.
// The file is written under a temporary name and renamed once complete.
func download(model modelFile, targetPath string) error {
	client := &http.Client{
		Timeout: 10 * time.Minute,
	}

	resp, err := client.Get(model.URL)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	tmpPath := targetPath + ".part"
	out, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(resp.ContentLength, "Downloading "+model.Name)

	var src io.Reader = io.TeeReader(resp.Body, bar)
	if strings.HasSuffix(model.URL, ".bz2") {
		src = bzip2.NewReader(src)
	}

	_, err = io.Copy(out, src)
	_ = bar.Finish()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, targetPath)
}
