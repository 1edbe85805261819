package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/rtcview/internal/directory"
	"github.com/1ureka/rtcview/internal/util"
)

// runClips lists the clips of a stream, or downloads one:
//
//	rtcview clips [flags] <label>
//	rtcview clips [flags] <label> <file>
func runClips(ctx context.Context, args []string) error {
	var (
		common commonFlags
		outDir string
	)

	fs := pflag.NewFlagSet("rtcview clips", pflag.ContinueOnError)
	common.add(fs)
	fs.StringVarP(&outDir, "out", "o", ".", "download directory")

	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load(fs)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) < 1 || len(rest) > 2 {
		return errors.New("usage: rtcview clips [flags] <label> [file]")
	}
	label := rest[0]
	client := directory.New(cfg.ServerURL, nil)

	if len(rest) == 1 {
		files, err := client.Videos(ctx, label)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			util.LogInfo("no clips for %s", label)
			return nil
		}

		data := pterm.TableData{{"#", "File"}}
		for i, f := range files {
			data = append(data, []string{fmt.Sprint(i + 1), f.FileName})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	}

	return download(ctx, client, label, rest[1], outDir)
}

func download(ctx context.Context, client *directory.Client, label, name, outDir string) (err error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", outDir, err)
	}

	path := filepath.Join(outDir, filepath.Base(name))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
		if err != nil {
			os.Remove(path)
		}
	}()

	n, err := client.Fetch(ctx, label, name, f)
	if err != nil {
		return err
	}

	util.LogSuccess("saved %s (%d bytes)", path, n)
	return nil
}
