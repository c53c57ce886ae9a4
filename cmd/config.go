package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/knights-analytics/sdturbo/options"
	"github.com/knights-analytics/sdturbo/util/fileutil"
)

// Config holds the settings that can be given in a --config file.
// Zero values mean "unspecified": the flag default is used instead.
type Config struct {
	Prompt          string `json:"prompt" yaml:"prompt" toml:"prompt"`
	Width           int    `json:"width" yaml:"width" toml:"width"`
	Height          int    `json:"height" yaml:"height" toml:"height"`
	Images          int    `json:"images" yaml:"images" toml:"images"`
	OutputDir       string `json:"output_dir" yaml:"output_dir" toml:"output_dir"`
	Prefix          string `json:"prefix" yaml:"prefix" toml:"prefix"`
	Resize          int    `json:"resize" yaml:"resize" toml:"resize"`
	Unload          bool   `json:"unload" yaml:"unload" toml:"unload"`
	Provider        string `json:"provider" yaml:"provider" toml:"provider"`
	CacheDir        string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	CacheNamespace  string `json:"cache_namespace" yaml:"cache_namespace" toml:"cache_namespace"`
	ModelBaseURL    string `json:"model_base_url" yaml:"model_base_url" toml:"model_base_url"`
	TokenizerURL    string `json:"tokenizer_url" yaml:"tokenizer_url" toml:"tokenizer_url"`
	GoTokenizer     bool   `json:"go_tokenizer" yaml:"go_tokenizer" toml:"go_tokenizer"`
	OnnxLibraryPath string `json:"onnx_library_path" yaml:"onnx_library_path" toml:"onnx_library_path"`
}

// loadConfig reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func loadConfig(ctx context.Context, path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := fileutil.ReadFileBytes(ctx, path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = jsoniter.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// merge fills every setting not given on the command line from file.
func (c *Config) merge(cliCtx *cli.Context, file Config) {
	str := func(flag string, dst *string, v string) {
		if !cliCtx.IsSet(flag) && v != "" {
			*dst = v
		}
	}
	num := func(flag string, dst *int, v int) {
		if !cliCtx.IsSet(flag) && v != 0 {
			*dst = v
		}
	}
	boolean := func(flag string, dst *bool, v bool) {
		if !cliCtx.IsSet(flag) && v {
			*dst = v
		}
	}
	str("prompt", &c.Prompt, file.Prompt)
	num("width", &c.Width, file.Width)
	num("height", &c.Height, file.Height)
	num("images", &c.Images, file.Images)
	str("output", &c.OutputDir, file.OutputDir)
	str("prefix", &c.Prefix, file.Prefix)
	num("resize", &c.Resize, file.Resize)
	boolean("unload", &c.Unload, file.Unload)
	str("provider", &c.Provider, file.Provider)
	str("cacheDir", &c.CacheDir, file.CacheDir)
	str("cacheNamespace", &c.CacheNamespace, file.CacheNamespace)
	str("modelBaseURL", &c.ModelBaseURL, file.ModelBaseURL)
	str("tokenizerURL", &c.TokenizerURL, file.TokenizerURL)
	boolean("goTokenizer", &c.GoTokenizer, file.GoTokenizer)
	str("onnxruntimeSharedLibraryPath", &c.OnnxLibraryPath, file.OnnxLibraryPath)
}

// sessionOptions turns the settings into session options. Empty settings keep the library defaults.
func (c *Config) sessionOptions() []options.WithOption {
	var opts []options.WithOption
	if c.OnnxLibraryPath != "" {
		opts = append(opts, options.WithOnnxLibraryPath(c.OnnxLibraryPath))
	}
	if c.Provider != "" {
		opts = append(opts, options.WithExecutionProvider(c.Provider))
	}
	if c.CacheDir != "" {
		opts = append(opts, options.WithCacheDir(c.CacheDir))
	}
	if c.CacheNamespace != "" {
		opts = append(opts, options.WithCacheNamespace(c.CacheNamespace))
	}
	if c.ModelBaseURL != "" {
		opts = append(opts, options.WithModelBaseURL(c.ModelBaseURL))
	}
	if c.TokenizerURL != "" {
		opts = append(opts, options.WithTokenizerURL(c.TokenizerURL))
	}
	if c.GoTokenizer {
		opts = append(opts, options.WithGoTokenizer())
	}
	return opts
}

// cacheLocation resolves the cache folder and namespace the same way a session does.
func (c *Config) cacheLocation() (string, string) {
	defaults := options.Defaults()
	dir, namespace := defaults.CacheDir, defaults.CacheNamespace
	if c.CacheDir != "" {
		dir = c.CacheDir
	}
	if c.CacheNamespace != "" {
		namespace = c.CacheNamespace
	}
	return dir, namespace
}
