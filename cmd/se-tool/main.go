// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/usbarmory/armory-se/internal/config"
	"github.com/usbarmory/armory-se/internal/se"
)

var (
	conf   *config.Config
	engine *se.Engine

	confPath  string
	klogFlags = flag.NewFlagSet("klog", flag.ExitOnError)
)

var rootCmd = &cobra.Command{
	Use:           "se-tool",
	Short:         "Security engine command line tool",
	Long:          "A tool exercising the security engine hashing, encryption and key management operations.",
	SilenceErrors: true,
	SilenceUsage:  true,

	PersistentPreRunE:  start,
	PersistentPostRunE: stop,
}

func init() {
	klog.InitFlags(klogFlags)

	rootCmd.PersistentFlags().StringVarP(&confPath, "config", "c", "", "path to TOML configuration file")
	rootCmd.PersistentFlags().Int("scratch", 0, "DMA scratch buffer size (overrides configuration)")
	rootCmd.PersistentFlags().Int("timeout", 0, "completion timeout in milliseconds (overrides configuration)")
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	rootCmd.AddCommand(
		selftestCmd,
		shaCmd,
		cmacCmd,
		aesCmd,
		sanitizeCmd,
		slotsCmd,
		volumeCmd,
	)
}

func loadConfig(cmd *cobra.Command) (err error) {
	if confPath != "" {
		if conf, err = config.LoadFile(confPath); err != nil {
			return fmt.Errorf("failed to load config file, %v", err)
		}
	} else {
		conf = config.Default()
	}

	flags := cmd.Flags()

	if flags.Changed("scratch") {
		conf.Engine.ScratchSize, _ = flags.GetInt("scratch")
	}

	if flags.Changed("timeout") {
		conf.Engine.Timeout, _ = flags.GetInt("timeout")
	}

	if flags.Changed("scratch") || flags.Changed("timeout") {
		// recompute dependent defaults
		conf.Memory.Size = 0

		if err = conf.FixupAndValidate(); err != nil {
			return
		}
	}

	// command line verbosity takes precedence
	if !flags.Changed("v") {
		klogFlags.Set("v", strconv.Itoa(conf.Logging.Verbosity()))
	}

	if !flags.Changed("stderrthreshold") {
		klogFlags.Set("stderrthreshold", conf.Logging.Threshold())
	}

	return
}

func start(cmd *cobra.Command, args []string) (err error) {
	if err = loadConfig(cmd); err != nil {
		return
	}

	p, err := newPlatform(conf)

	if err != nil {
		return
	}

	if engine, err = se.Init(p, conf.Engine.Config()); err != nil {
		return
	}

	klog.V(1).Infof("se-tool: %s, engine initialized (scratch:%d timeout:%dms)", version(), conf.Engine.ScratchSize, conf.Engine.Timeout)

	return
}

func stop(cmd *cobra.Command, args []string) (err error) {
	defer klog.Flush()

	if engine == nil {
		return
	}

	err = engine.Close()
	engine = nil

	return
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if engine != nil {
			engine.Close()
		}

		klog.Flush()
		log.Fatalf("se-tool: %v", err)
	}
}
