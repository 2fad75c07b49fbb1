package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/imagvfx/grade/lib/logging"
)

func main() {
	_ = godotenv.Load()
	level := os.Getenv("GRADE_LOG")
	if level == "" {
		level = "warn"
	}
	err := logging.Setup(level, "console")
	if err != nil {
		log.Fatal().Err(err).Msg("setup logging")
	}
	args := os.Args[1:]
	if len(args) == 0 {
		log.Fatal().Msg("need a subcommand: [run, status, cat]")
	}
	subcmd := args[0]
	switch subcmd {
	case "run":
		err = run(args[1:])
	case "status":
		err = status(args[1:])
	case "cat":
		err = cat(args[1:])
	default:
		log.Fatal().Msgf("unknown subcommand: %s", subcmd)
	}
	if err != nil {
		log.Fatal().Err(err).Msg(subcmd)
	}
}
