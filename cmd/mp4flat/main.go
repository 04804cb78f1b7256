// Command mp4flat converts fragmented MP4 files to progressive ones, resets
// their timestamps and prints their structure.
//
//	mp4flat [flags] convert -i in.mp4 -o out.mp4
//	mp4flat [flags] reset   -i in.mp4 -o out.mp4
//	mp4flat [flags] defrag  -i in.mp4 -o out.mp4
//	mp4flat [flags] dump  file.mp4
//	mp4flat [flags] probe file.mp4
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/inhies/go-bytesize"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	bmff "github.com/tetsuo/mp4flat"
	"github.com/tetsuo/mp4flat/defrag"
	"github.com/tetsuo/mp4flat/retime"
)

type config struct {
	logLevel  string
	logFormat string
	maxInput  bytesize.ByteSize
}

func main() {
	cfg := config{logLevel: "info", logFormat: "console", maxInput: 4 * bytesize.GB}
	flag.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "log level (debug, info, warn, error)")
	flag.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "log format (console, json)")
	flag.Func("max-input", "refuse inputs larger than this (e.g. 512MB, 4GB)", func(s string) error {
		v, err := bytesize.Parse(s)
		if err != nil {
			return err
		}
		cfg.maxInput = v
		return nil
	})
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	logger, err := newLogger(cfg.logLevel, cfg.logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "convert", "reset", "defrag":
		err = runConvert(cmd, args, cfg, logger)
	case "dump":
		err = withFile(args, func(f *os.File) error { return dump(f, int64(cfg.maxInput)) })
	case "probe":
		err = withFile(args, func(f *os.File) error { return probe(f, cfg, logger) })
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Sugar().Errorw("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] convert|reset|defrag -i <in.mp4> -o <out.mp4>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s [flags] dump|probe <file.mp4>\n", os.Args[0])
	flag.PrintDefaults()
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	switch format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "json":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func runConvert(cmd string, args []string, cfg config, logger *zap.Logger) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	in := fs.String("i", "", "input file")
	out := fs.String("o", "", "output file")
	fs.Parse(args)
	if *in == "" || *out == "" {
		fs.Usage()
		return errors.New("both -i and -o are required")
	}

	data, err := readInput(*in, int64(cfg.maxInput))
	if err != nil {
		return err
	}
	log := logger.Sugar().With("input", *in)

	var result []byte
	switch cmd {
	case "reset":
		result, err = retime.Reset(data, retime.WithLogger(logger))
	case "defrag":
		result, err = defrag.Defragment(data, defrag.WithLogger(logger))
	case "convert":
		result, err = defrag.Defragment(data, defrag.WithLogger(logger))
		if errors.Is(err, bmff.ErrNotFragmented) {
			log.Infow("input is not fragmented, resetting timestamps only")
			result, err = retime.Reset(data, retime.WithLogger(logger))
		}
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", cmd, *in, err)
	}
	if err := os.WriteFile(*out, result, 0o644); err != nil {
		return err
	}
	log.Infow("wrote output", "output", *out, "size", bytesize.New(float64(len(result))).String())
	return nil
}

// readInput loads a whole file, refusing anything larger than limit.
func readInput(path string, limit int64) ([]byte, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if limit > 0 && st.Size() > limit {
		return nil, fmt.Errorf("%s is %s, larger than the %s input limit",
			path, bytesize.New(float64(st.Size())), bytesize.New(float64(limit)))
	}
	return os.ReadFile(path)
}

func withFile(args []string, fn func(f *os.File) error) error {
	if len(args) != 1 {
		usage()
		return errors.New("expected exactly one file")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(f)
}
