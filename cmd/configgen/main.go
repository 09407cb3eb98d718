package main

import (
	"flag"

	"github.com/danmuck/edgeproxy/internal/config"
	"github.com/danmuck/edgeproxy/internal/logging"
	"github.com/rs/zerolog/log"
)

const defaultPath = "cmd/proxyctl/config.toml"

func main() {
	kind := flag.String("kind", "proxy", "config kind: proxy|lan")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to "+defaultPath+")")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()
	logging.ConfigureRuntime()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath
		}
		if _, err := config.Load(path); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("configgen validate")
		}
		log.Info().Str("path", path).Msg("configgen validated config")
		return
	}

	target := *output
	if target == "" {
		target = defaultPath
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal().Err(err).Str("kind", *kind).Msg("configgen write")
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("configgen wrote template")
}
