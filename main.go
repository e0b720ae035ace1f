package main

import (
	"fmt"
	"os"

	airchat "github.com/putto11262002/airchat/app"
	flag "github.com/spf13/pflag"
)

func main() {
	configFile := flag.StringP("config", "c", "", "path to a config file, defaults to ./config.yaml when present")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	flag.Parse()

	config, err := (&airchat.EnvConfigLoader{File: *configFile, EnvFiles: []string{*envFile}}).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	app := airchat.New(nil, config)
	app.Start()
}
