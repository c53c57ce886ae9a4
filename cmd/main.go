package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/sdturbo"
	"github.com/knights-analytics/sdturbo/capability"
	"github.com/knights-analytics/sdturbo/modelcache"
	"github.com/knights-analytics/sdturbo/pipelines"
	"github.com/knights-analytics/sdturbo/util/checks"
	"github.com/knights-analytics/sdturbo/util/fileutil"
	"github.com/knights-analytics/sdturbo/util/imageutil"
)

var cfg = Config{
	Width:     512,
	Height:    512,
	Images:    1,
	OutputDir: ".",
	Prefix:    "image",
}
var configPath string
var manifestPath string
var seed uint64
var verbose bool

var cacheFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "cacheDir",
		Usage:       "Folder (or afs URL) of the model cache. Falls back to the user cache dir if not specified",
		Destination: &cfg.CacheDir,
	},
	&cli.StringFlag{
		Name:        "cacheNamespace",
		Usage:       "Namespace inside the cache folder",
		Destination: &cfg.CacheNamespace,
	},
}

var generateCommand = &cli.Command{
	Name:  "generate",
	Usage: "Generate images from a text prompt with SD-Turbo",
	Description: `Generate downloads (or reuses from cache) the text encoder, unet and vae decoder, then writes one png per image.
				A json line {"slot", "file", "seed", "prompt"} is printed for each image written.
				`,
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:        "prompt",
			Usage:       "Text prompt describing the image",
			Aliases:     []string{"p"},
			Destination: &cfg.Prompt,
		},
		&cli.IntFlag{
			Name:        "width",
			Usage:       "Image width in pixels, a multiple of 8",
			Destination: &cfg.Width,
			Value:       cfg.Width,
		},
		&cli.IntFlag{
			Name:        "height",
			Usage:       "Image height in pixels, a multiple of 8",
			Destination: &cfg.Height,
			Value:       cfg.Height,
		},
		&cli.IntFlag{
			Name:        "images",
			Usage:       "Number of images to generate for the prompt",
			Aliases:     []string{"n"},
			Destination: &cfg.Images,
			Value:       cfg.Images,
		},
		&cli.Uint64Flag{
			Name:        "seed",
			Usage:       "Noise seed. A random seed is used, and printed, if not specified",
			Destination: &seed,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Folder (or s3:// URL) where to write the images",
			Aliases:     []string{"o"},
			Destination: &cfg.OutputDir,
			Value:       cfg.OutputDir,
		},
		&cli.StringFlag{
			Name:        "prefix",
			Usage:       "File name prefix of the images",
			Destination: &cfg.Prefix,
			Value:       cfg.Prefix,
		},
		&cli.IntFlag{
			Name:        "resize",
			Usage:       "Resize images so that the shorter side has this many pixels",
			Destination: &cfg.Resize,
		},
		&cli.StringFlag{
			Name:        "manifest",
			Usage:       "File where to write the json lines. If omitted, they are sent to stdout",
			Destination: &manifestPath,
		},
		&cli.BoolFlag{
			Name:        "unload",
			Usage:       "Release the model sessions after generating",
			Destination: &cfg.Unload,
		},
		&cli.StringFlag{
			Name:        "provider",
			Usage:       "GPU execution provider: cuda, tensorrt, directml or coreml. Defaults to the platform provider",
			Destination: &cfg.Provider,
		},
		&cli.StringFlag{
			Name:        "modelBaseURL",
			Usage:       "Base URL of the ONNX model repository",
			Destination: &cfg.ModelBaseURL,
		},
		&cli.StringFlag{
			Name:        "tokenizerURL",
			Usage:       "URL of the CLIP tokenizer.json",
			Destination: &cfg.TokenizerURL,
		},
		&cli.BoolFlag{
			Name:        "goTokenizer",
			Usage:       "Use the pure Go tokenizer",
			Destination: &cfg.GoTokenizer,
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibraryPath",
			Usage:       "Folder holding the onnxruntime shared library",
			Aliases:     []string{"s"},
			Destination: &cfg.OnnxLibraryPath,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "yaml, toml or json file with default settings. Flags take precedence",
			Aliases:     []string{"c"},
			Destination: &configPath,
		},
	}, cacheFlags...),
	Action: func(cliCtx *cli.Context) (err error) {
		if configPath != "" {
			file, loadErr := loadConfig(cliCtx.Context, configPath)
			if loadErr != nil {
				return loadErr
			}
			cfg.merge(cliCtx, file)
		}
		if cfg.Prompt == "" {
			return pipelines.ErrEmptyPrompt
		}

		session, err := sdturbo.NewORTSession(cfg.sessionOptions()...)
		if err != nil {
			return err
		}
		defer func() {
			if verbose {
				for _, line := range session.GetStats() {
					log.Debug().Msg(line)
				}
			}
			err = errors.Join(err, session.Destroy())
		}()

		var steps []imageutil.PostprocessStep
		if cfg.Resize > 0 {
			steps = append(steps, imageutil.ResizeStep(cfg.Resize))
		}
		sink := imageutil.NewPNGSink(cfg.OutputDir, cfg.Prefix, steps...)

		req := sdturbo.GenerateRequest{
			Prompt:                cfg.Prompt,
			Width:                 cfg.Width,
			Height:                cfg.Height,
			ImageCount:            cfg.Images,
			UnloadAfterGeneration: cfg.Unload,
		}
		if cliCtx.IsSet("seed") {
			req.Seed = &seed
		}

		ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt)
		defer stop()
		run, err := session.Generate(ctx, req, sink)
		if run == nil {
			return err
		}
		return errors.Join(err, writeManifest(cliCtx.Context, run, sink))
	},
}

type manifestLine struct {
	Slot   int    `json:"slot"`
	File   string `json:"file"`
	Seed   uint64 `json:"seed"`
	Prompt string `json:"prompt"`
}

// writeManifest writes one json line per delivered image.
func writeManifest(ctx context.Context, run *pipelines.GenerationRun, sink *imageutil.PNGSink) (err error) {
	var writer io.Writer = os.Stdout
	if manifestPath != "" {
		fileWriter, createErr := fileutil.NewFileWriter(ctx, manifestPath, "application/jsonl")
		if createErr != nil {
			return createErr
		}
		defer func() {
			err = errors.Join(err, fileWriter.Close())
		}()
		writer = fileWriter
	}
	return encodeManifest(writer, run, sink)
}

func encodeManifest(writer io.Writer, run *pipelines.GenerationRun, sink *imageutil.PNGSink) error {
	encoder := jsoniter.NewEncoder(writer)
	for _, outcome := range run.Outcomes {
		if outcome.Err != nil {
			continue
		}
		line := manifestLine{Slot: outcome.Index, File: sink.Path(outcome.Index), Seed: run.Seed, Prompt: run.Prompt}
		if err := encoder.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

var probeCommand = &cli.Command{
	Name:  "probe",
	Usage: "Report the GPU adapters and whether they can run the pipeline",
	Action: func(cliCtx *cli.Context) error {
		out, err := jsoniter.MarshalIndent(capability.NewReport(capability.NewProber().ProbeReport()), "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cliCtx.App.Writer, string(out))
		return err
	},
}

var cacheCommand = &cli.Command{
	Name:  "cache",
	Usage: "Inspect or clear the model cache",
	Subcommands: []*cli.Command{
		{
			Name:  "ls",
			Usage: "List cached artifacts",
			Flags: cacheFlags,
			Action: func(cliCtx *cli.Context) error {
				entries, err := newCache().Entries(cliCtx.Context)
				if err != nil {
					return err
				}
				encoder := jsoniter.NewEncoder(cliCtx.App.Writer)
				for _, entry := range entries {
					if err = encoder.Encode(entry); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name:  "purge",
			Usage: "Delete every cached artifact in the namespace",
			Flags: cacheFlags,
			Action: func(cliCtx *cli.Context) error {
				return newCache().Purge(cliCtx.Context)
			},
		},
	},
}

func newCache() *modelcache.Cache {
	dir, namespace := cfg.cacheLocation()
	return modelcache.New(dir, namespace, nil)
}

func setupLogging() {
	log.DefaultLogger.Level = log.InfoLevel
	if verbose {
		log.DefaultLogger.Level = log.DebugLevel
	}
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		log.DefaultLogger.Writer = &log.ConsoleWriter{ColorOutput: true, Writer: os.Stderr}
	} else {
		log.DefaultLogger.Writer = &log.IOWriter{Writer: os.Stderr}
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "sdturbo",
		Usage: "SD-Turbo text to image on the GPU from the command line",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "verbose",
				Usage:       "Debug logging and timing statistics",
				Aliases:     []string{"v"},
				Destination: &verbose,
			},
		},
		Before: func(*cli.Context) error {
			setupLogging()
			return nil
		},
		Commands: []*cli.Command{generateCommand, probeCommand, cacheCommand},
	}
}

func main() {
	checks.CheckWithMessage(newApp().Run(os.Args), "sdturbo failed")
}
