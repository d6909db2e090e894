package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	rtmp "github.com/lightcast/rtmp"
	"github.com/lightcast/rtmp/config"
	"github.com/lightcast/rtmp/relay"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("c", "", "path to a YAML config file")
	listen := flag.String("l", "", "RTMP listening address (overrides config)")
	destList := flag.String("o", "", "destination url list, separated by a comma")
	streamName := flag.String("s", relay.Wildcard, "stream name to relay (default: * for all streams)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if *listen != "" {
		cfg.BindAddr = *listen
	}

	var logger *zap.Logger
	var err error
	if cfg.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	hub := relay.NewHub(logger)
	if *destList != "" {
		destURLs := strings.Split(*destList, ",")
		for i := range destURLs {
			destURLs[i] = strings.TrimSpace(destURLs[i])
		}
		hub.AddDestination(*streamName, destURLs)
		logger.Info("configured destinations",
			zap.String("streamName", *streamName),
			zap.Strings("destURLs", destURLs))
	}

	server := &rtmp.Server{
		Logger:  logger,
		Handler: hub,
		Config:  cfg,
	}
	if err := server.Listen(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}
