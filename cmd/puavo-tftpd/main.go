package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	tftp "github.com/philipp-kempgen/puavo-tftp"
	"github.com/rs/zerolog"
)

func main() {
	var (
		flgConfig  = flag.String("config", "", "Path to YAML configuration file")
		flgPort    = flag.Int("port", 0, "UDP port to listen on (overrides config)")
		flgRoot    = flag.String("root", "", "Directory to serve files from (overrides config)")
		flgUser    = flag.String("user", "", "User to drop privileges to after bind (overrides config)")
		flgGroup   = flag.String("group", "", "Group to drop privileges to after bind (overrides config)")
		flgVerbose = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg := tftp.DefaultConfig()
	if *flgConfig != "" {
		loaded, err := tftp.LoadConfig(*flgConfig)
		if err != nil {
			log.Fatal().Err(err).Str("path", *flgConfig).Msg("cannot load configuration")
		}
		cfg = loaded
	}

	if *flgPort != 0 {
		cfg.Port = *flgPort
	}
	if *flgRoot != "" {
		cfg.Root = *flgRoot
	}
	if *flgUser != "" {
		cfg.User = *flgUser
	}
	if *flgGroup != "" {
		cfg.Group = *flgGroup
	}
	if *flgVerbose {
		cfg.Verbose = true
	}

	if cfg.Verbose {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	for _, hook := range cfg.Hooks {
		// Hooks run outside the server core; record them for the operator.
		log.Info().Str("hook", hook).Msg("hook configured")
	}

	options, err := cfg.ServerOptions(log)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	server, err := tftp.NewServer(options)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot construct server")
	}
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("cannot start server")
	}

	if err := tftp.DropPrivileges(cfg.User, cfg.Group); err != nil {
		server.Stop()
		log.Fatal().Err(err).Msg("cannot drop privileges")
	}

	log.Info().Int("port", cfg.Port).Str("root", cfg.Root).Msg("serving")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	server.Stop()
}
