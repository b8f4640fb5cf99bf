package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/tinyrange/z25/internal/config"
)

func cmdTemplate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("template", flag.ContinueOnError)
	out := fs.String("o", config.DefaultFilename, "Output file")
	channels := fs.Int("channels", 4, "Number of channel entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *channels < 0 {
		return fmt.Errorf("negative channel count %d", *channels)
	}
	if err := config.WriteTemplate(*out, config.Template(*channels)); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *out)
	return nil
}
