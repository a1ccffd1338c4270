package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/face-contour/internal/auth"
	"github.com/example/face-contour/internal/config"
	"github.com/example/face-contour/internal/logging"
	"github.com/example/face-contour/internal/normalizer"
)

// Version is the application version.
const Version = "0.1.0"

// env holds what commands touch outside the process, swapped out in tests.
type env struct {
	fs     afero.Fs
	logger *zap.Logger
	config func() (*config.Config, error)
}

func newEnv() *env {
	return &env{fs: afero.NewOsFs(), logger: zap.NewNop(), config: config.Load}
}

type normalizeReport struct {
	Input       string `json:"input"`
	Output      string `json:"output,omitempty"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Orientation int    `json:"orientation"`
	Rotated     bool   `json:"rotated"`
}

type orientationReport struct {
	File            string `json:"file"`
	Found           bool   `json:"found"`
	Tag             int    `json:"tag"`
	RotationDegrees int    `json:"rotation_degrees"`
}

func newRootCmd(e *env) *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:          "imgnorm",
		Short:        "Normalize images the way the face contour service does",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !verbose {
				return nil
			}
			logger, err := logging.NewLogger(logging.Options{Level: "debug", Development: true})
			if err != nil {
				return err
			}
			e.logger = logger
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log normalizer decisions to stderr")

	root.AddCommand(newNormalizeCmd(e), newOrientationCmd(e), newTokenCmd(e))
	return root
}

func newNormalizeCmd(e *env) *cobra.Command {
	var (
		input   string
		output  string
		asJSON  bool
		maxSize int64
	)
	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Decode a file, undo its EXIF rotation and write it back out",
		RunE: func(cmd *cobra.Command, args []string) error {
			n := normalizer.New(
				normalizer.WithFs(e.fs),
				normalizer.WithLogger(e.logger),
				normalizer.WithMaxFileSize(maxSize),
			)
			img, err := n.Normalize(normalizer.FilePath{Path: input})
			if err != nil {
				return err
			}

			if output != "" {
				if err := writeImage(e.fs, output, img); err != nil {
					return err
				}
			}

			report := normalizeReport{
				Input:       input,
				Output:      output,
				Width:       img.Width,
				Height:      img.Height,
				Orientation: int(img.Orientation),
				Rotated:     img.Rotated,
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %dx%d orientation=%d rotated=%t\n",
				input, report.Width, report.Height, report.Orientation, report.Rotated)
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "image file to normalize")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the upright image here; format follows the extension")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().Int64Var(&maxSize, "max-size", normalizer.DefaultMaxFileSize, "largest file accepted, in bytes")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newOrientationCmd(e *env) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "orientation <file>",
		Short: "Print the EXIF orientation tag and the rotation it implies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := afero.ReadFile(e.fs, args[0])
			if err != nil {
				return err
			}
			hint, err := normalizer.ReadOrientation(data)
			if err != nil {
				e.logger.Warn("unreadable exif, assuming upright", zap.String("file", args[0]), zap.Error(err))
			}
			report := orientationReport{
				File:            args[0],
				Found:           hint.Found,
				Tag:             int(hint.Tag),
				RotationDegrees: hint.RotationDegrees(),
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			if !report.Found {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: no orientation tag, rotation=0\n", report.File)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: orientation=%d rotation=%d\n", report.File, report.Tag, report.RotationDegrees)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

// newTokenCmd signs a development token with the service's configured secret.
func newTokenCmd(e *env) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <client-id>",
		Short: "Sign a bearer token for the HTTP API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := e.config()
			if err != nil {
				return err
			}
			token, err := auth.SignToken(cfg.Auth.JWTSecret, args[0], cfg.Auth.JWTAudience, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 disables expiry")
	return cmd
}

func writeImage(fs afero.Fs, path string, img *normalizer.NormalizedImage) error {
	format, err := imaging.FormatFromFilename(path)
	if err != nil {
		return err
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := imaging.Encode(f, img.Image, format); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
