package cmd

import (
	"github.com/achilleasa/wavefront/config"
	"github.com/achilleasa/wavefront/log"
	"github.com/urfave/cli"
)

var logger = log.New("wavefront")

func setupLogging(ctx *cli.Context) {
	if ctx.GlobalBool("v") {
		log.SetLevel(log.Info)
	}

	if ctx.GlobalBool("vv") {
		log.SetLevel(log.Debug)
	}
}

// Load the configuration file passed via --config or fall back to the
// built-in profiles.
func loadConfig(ctx *cli.Context) (*config.File, error) {
	filename := ctx.GlobalString("config")
	if filename == "" {
		return config.Default(), nil
	}

	cfg, err := config.Open(filename)
	if err != nil {
		return nil, err
	}
	logger.Infof("loaded configuration from %s", filename)
	return cfg, nil
}
